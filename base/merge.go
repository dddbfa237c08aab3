package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Merge combines x with orig: channel concatenation when dense, sum
// otherwise.
func Merge(x, orig *ts.Tensor, dense bool) *ts.Tensor {
	if dense {
		return ts.MustCat([]ts.Tensor{*x, *orig}, 1)
	}

	return x.MustAdd(orig, false)
}

// ResBlockConfig holds options for ResBlock.
type ResBlockConfig struct {
	Dense    bool
	NormType NormType
	Bottle   bool // halve the inner width
	Leaky    *float64
}

// ResBlock is two ConvLayers merged with their input.
//
// When not dense and NormType is NormBatch, the second conv is built with
// NormBatchZero.
type ResBlock struct {
	conv1 *ConvLayer
	conv2 *ConvLayer
	dense bool
	nf    int64
}

// NewResBlock creates a ResBlock over nf channels.
func NewResBlock(p *nn.Path, nf int64, cfg ResBlockConfig) *ResBlock {
	norm2 := cfg.NormType
	if !cfg.Dense && cfg.NormType == NormBatch {
		norm2 = NormBatchZero
	}
	nfInner := nf
	if cfg.Bottle {
		nfInner = nf / 2
	}

	c1 := DefaultConvConfig()
	c1.NormType = cfg.NormType
	c1.Leaky = cfg.Leaky
	c2 := c1
	c2.NormType = norm2

	outC := nf
	if cfg.Dense {
		outC = 2 * nf
	}

	return &ResBlock{
		conv1: NewConvLayer(p.Sub("conv1"), nf, nfInner, c1),
		conv2: NewConvLayer(p.Sub("conv2"), nfInner, nf, c2),
		dense: cfg.Dense,
		nf:    outC,
	}
}

// ForwardT implements ts.ModuleT for ResBlock.
func (b *ResBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	h1 := b.conv1.ForwardT(x, train)
	h2 := b.conv2.ForwardT(h1, train)
	h1.MustDrop()
	res := Merge(h2, x, b.dense)
	h2.MustDrop()

	return res
}

// OutChannels returns the number of output channels.
func (b *ResBlock) OutChannels() int64 {
	return b.nf
}
