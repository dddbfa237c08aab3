package encoder

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Shape is the shape of an activation: [batch channels height width].
type Shape []int64

// Channels returns the channel dimension.
func (s Shape) Channels() int64 {
	return s[1]
}

// Spatial returns the trailing two dimensions.
func (s Shape) Spatial() []int64 {
	return s[len(s)-2:]
}

// DummyBatch returns a 1 x inC x size batch drawn uniformly from [-1, 1).
func DummyBatch(inC int64, size []int64, device gotch.Device) *ts.Tensor {
	dims := append([]int64{1, inC}, size...)
	return ts.MustRand(dims, gotch.Float, device).
		MustMul1(ts.FloatScalar(2.0), true).
		MustSub1(ts.FloatScalar(1.0), true)
}

// ModelSizes forwards a dummy batch of spatial size through enc in eval mode
// without gradient tracking and records each sub-module output shape.
func ModelSizes(enc *Backbone, size []int64, device gotch.Device) ([]Shape, error) {
	if enc.Len() == 0 {
		return nil, errors.New("encoder: backbone has no sub-modules")
	}

	x := DummyBatch(enc.InChannels(), size, device)
	defer x.MustDrop()

	sizes := make([]Shape, 0, enc.Len())
	ts.NoGrad(func() {
		outs := enc.ForwardAll(x, false)
		for _, o := range outs {
			sizes = append(sizes, Shape(o.MustSize()))
			o.MustDrop()
		}
	})

	return sizes, nil
}

// SizeChangeIndices returns, in encoder order, the indices i where the
// trailing dimension of sizes[i] differs from sizes[i+1]. Index 0 appears
// exactly when the first two sizes differ.
func SizeChangeIndices(sizes []Shape) []int {
	if len(sizes) < 2 {
		return nil
	}

	var idxs []int
	for i := 0; i < len(sizes)-1; i++ {
		if last(sizes[i]) != last(sizes[i+1]) {
			idxs = append(idxs, i)
		}
	}

	return idxs
}

// Reversed returns a reversed copy of idxs.
func Reversed(idxs []int) []int {
	rev := make([]int, len(idxs))
	for i, idx := range idxs {
		rev[len(idxs)-1-i] = idx
	}

	return rev
}

func last(s Shape) int64 {
	return s[len(s)-1]
}
