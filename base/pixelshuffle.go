package base

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ICNR initializes a conv weight [cOut cIn k k] so that a following pixel
// shuffle of factor scale behaves like nearest-neighbour upsampling: the
// scale*scale output channels feeding one shuffled channel share a kernel.
// Ref. https://arxiv.org/abs/1707.02937
func ICNR(w *ts.Tensor, scale int64) {
	size := w.MustSize()
	cOut, cIn, kh, kw := size[0], size[1], size[2], size[3]
	s2 := scale * scale
	ni2 := cOut / s2

	k := ts.MustRandn([]int64{ni2, cIn, kh, kw}, gotch.Float, gotch.CPU).
		MustMul1(ts.FloatScalar(kaimingNormalStd(cIn*kh*kw)), true).
		MustTranspose(0, 1, true).
		MustContiguous(true).
		MustView([]int64{ni2, cIn, -1}, true).
		MustRepeat([]int64{1, 1, s2}, true).
		MustContiguous(true).
		MustView([]int64{cIn, cOut, kh, kw}, true).
		MustTranspose(0, 1, true)

	ts.NoGrad(func() {
		w.Copy_(k)
	})
	k.MustDrop()
}

// PixelShuffleConfig holds options for PixelShuffleICNR.
type PixelShuffleConfig struct {
	Scale    int64
	Blur     bool
	Leaky    *float64
	NormType NormType
	ExtraBN  bool
}

// DefaultPixelShuffleConfig returns a x2 upsampler with weight norm, no blur.
func DefaultPixelShuffleConfig() PixelShuffleConfig {
	return PixelShuffleConfig{
		Scale:    2,
		NormType: NormWeight,
	}
}

// PixelShuffleICNR upsamples by Scale from ni to nf channels using a 1x1
// conv initialized with ICNR followed by a pixel shuffle.
//
// With Blur, a replication pad (1,0,1,0) and a 2x2 stride 1 average pool
// smooth the shuffled output.
// Ref. https://arxiv.org/abs/1806.02658
type PixelShuffleICNR struct {
	conv  *ConvLayer
	relu  nn.Func
	scale int64
	blur  bool
	nf    int64
}

// NewPixelShuffleICNR creates PixelShuffleICNR. nf defaults to ni when zero.
func NewPixelShuffleICNR(p *nn.Path, ni, nf int64, cfg PixelShuffleConfig) *PixelShuffleICNR {
	if nf == 0 {
		nf = ni
	}
	scale := cfg.Scale
	if scale == 0 {
		scale = 2
	}

	convCfg := DefaultConvConfig()
	convCfg.Ksize = 1
	convCfg.UseActiv = false
	convCfg.NormType = cfg.NormType
	convCfg.ExtraBN = cfg.ExtraBN
	conv := NewConvLayer(p.Sub("conv"), ni, nf*scale*scale, convCfg)
	ICNR(conv.Conv.Ws, scale)
	conv.Conv.SyncNorm()

	return &PixelShuffleICNR{
		conv:  conv,
		relu:  Activation(cfg.Leaky),
		scale: scale,
		blur:  cfg.Blur,
		nf:    nf,
	}
}

// ForwardT implements ts.ModuleT for PixelShuffleICNR.
func (m *PixelShuffleICNR) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c := m.conv.ForwardT(x, train)
	r := m.relu.Forward(c)
	c.MustDrop()
	shuf := r.MustPixelShuffle(m.scale, true)
	if !m.blur {
		return shuf
	}

	return Blur(shuf, true)
}

// OutChannels returns the number of output channels.
func (m *PixelShuffleICNR) OutChannels() int64 {
	return m.nf
}

// Blur replication-pads x by (left=1, right=0, top=1, bottom=0) then takes
// a 2x2 average with stride 1, keeping the spatial size of x.
func Blur(x *ts.Tensor, del bool) *ts.Tensor {
	padded := x.MustReplicationPad2d([]int64{1, 0, 1, 0}, del)

	return padded.MustAvgPool2d([]int64{2, 2}, []int64{1, 1}, []int64{0, 0}, false, true, nil, true)
}
