package encoder

import (
	ts "github.com/sugarme/gotch/tensor"
)

// Backbone is a feature-extracting encoder made of an ordered list of
// sub-modules applied one after the other.
//
// A Backbone is borrowed by the models built on it. At most one live Hooks
// set can be attached to it at a time.
type Backbone struct {
	layers []ts.ModuleT
	inC    int64
	hooks  *Hooks
}

// NewBackbone creates a Backbone taking inC input channels.
func NewBackbone(inC int64, layers ...ts.ModuleT) *Backbone {
	return &Backbone{
		layers: layers,
		inC:    inC,
	}
}

// Add appends a sub-module.
func (b *Backbone) Add(l ts.ModuleT) {
	b.layers = append(b.layers, l)
}

// Len returns the number of sub-modules.
func (b *Backbone) Len() int {
	return len(b.layers)
}

// At returns the i-th sub-module.
func (b *Backbone) At(i int) ts.ModuleT {
	return b.layers[i]
}

// InChannels returns the number of input channels the backbone expects.
func (b *Backbone) InChannels() int64 {
	return b.inC
}

// Hooked reports whether a live Hooks set is attached.
func (b *Backbone) Hooked() bool {
	return b.hooks != nil
}

// ForwardT implements ts.ModuleT for Backbone.
func (b *Backbone) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out, _ := b.ForwardCapture(x, nil, train)
	return out
}

// ForwardAll forwards x and returns the output of every sub-module.
func (b *Backbone) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	outs := make([]*ts.Tensor, 0, len(b.layers))
	cur := x
	for _, l := range b.layers {
		cur = l.ForwardT(cur, train)
		outs = append(outs, cur)
	}

	return outs
}

// ForwardCapture forwards x and returns the final output together with the
// outputs of the sub-modules at idxs, in the order of idxs. Captured tensors
// are owned by the caller.
func (b *Backbone) ForwardCapture(x *ts.Tensor, idxs []int, train bool) (*ts.Tensor, []*ts.Tensor) {
	pos := make(map[int][]int, len(idxs))
	for i, idx := range idxs {
		pos[idx] = append(pos[idx], i)
	}
	captured := make([]*ts.Tensor, len(idxs))

	if len(b.layers) == 0 {
		return x.MustShallowClone(), captured
	}

	cur := x
	for i, l := range b.layers {
		next := l.ForwardT(cur, train)
		if cur != x {
			cur.MustDrop()
		}
		for _, p := range pos[i] {
			captured[p] = next.MustShallowClone()
		}
		cur = next
	}

	return cur, captured
}
