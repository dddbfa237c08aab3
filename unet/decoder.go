package unet

import (
	"reflect"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/colorize/base"
	"github.com/sugarme/colorize/encoder"
)

// BlockConfig holds options for UnetBlock.
type BlockConfig struct {
	FinalDiv      bool    // keep ni channels instead of ni/2
	NfFactor      float64 // width multiplier, 1 when zero
	OutC          int64   // fixed output width; overrides FinalDiv and NfFactor when > 0
	SingleConv    bool    // refine with one conv instead of two
	SkipBN        bool    // batch-norm the skip activation
	Blur          bool
	SelfAttention bool
	Leaky         *float64
	NormType      base.NormType
	ExtraBN       bool
}

// UnetBlock upsamples its input with PixelShuffleICNR and fuses it with the
// encoder activation captured by its hook.
type UnetBlock struct {
	hook  *encoder.Hook
	shuf  *base.PixelShuffleICNR
	bn    ts.ModuleT
	relu  nn.Func
	conv1 *base.ConvLayer
	conv2 *base.ConvLayer
	nf    int64
	sa    bool
	blur  bool
}

// NewUnetBlock creates a UnetBlock taking upInC channels from below and
// xInC channels from the skip connection.
func NewUnetBlock(p *nn.Path, upInC, xInC int64, hook *encoder.Hook, cfg BlockConfig) *UnetBlock {
	shufCfg := base.PixelShuffleConfig{
		Scale:    2,
		Blur:     cfg.Blur,
		Leaky:    cfg.Leaky,
		NormType: cfg.NormType,
		ExtraBN:  cfg.ExtraBN,
	}
	shuf := base.NewPixelShuffleICNR(p.Sub("shuf"), upInC, upInC/2, shufCfg)

	var bn ts.ModuleT = base.NewIdentity()
	if cfg.SkipBN {
		bn = base.BatchNorm2d(p.Sub("bn"), xInC, base.NormBatch)
	}

	ni := upInC/2 + xInC
	nf := blockWidth(ni, cfg)

	convCfg := base.DefaultConvConfig()
	convCfg.NormType = cfg.NormType
	convCfg.ExtraBN = cfg.ExtraBN
	convCfg.Leaky = cfg.Leaky

	b := &UnetBlock{
		hook: hook,
		shuf: shuf,
		bn:   bn,
		relu: base.Activation(cfg.Leaky),
		nf:   nf,
		sa:   cfg.SelfAttention,
		blur: cfg.Blur,
	}

	if cfg.SingleConv {
		convCfg.SelfAttention = cfg.SelfAttention
		b.conv1 = base.NewConvLayer(p.Sub("conv"), ni, nf, convCfg)
		return b
	}

	b.conv1 = base.NewConvLayer(p.Sub("conv1"), ni, nf, convCfg)
	convCfg.SelfAttention = cfg.SelfAttention
	b.conv2 = base.NewConvLayer(p.Sub("conv2"), nf, nf, convCfg)

	return b
}

// blockWidth returns the refined output width for ni fused channels.
func blockWidth(ni int64, cfg BlockConfig) int64 {
	if cfg.OutC > 0 {
		return cfg.OutC
	}
	factor := cfg.NfFactor
	if factor == 0 {
		factor = 1.0
	}
	n := ni
	if !cfg.FinalDiv {
		n = ni / 2
	}

	return int64(float64(n) * factor)
}

// Forward fuses upIn with the hooked skip activation.
func (b *UnetBlock) Forward(upIn *ts.Tensor, train bool) (*ts.Tensor, error) {
	s, err := b.hook.Stored()
	if err != nil {
		return nil, err
	}

	upOut := matchSize(b.shuf.ForwardT(upIn, train), s)
	sn := b.bn.ForwardT(s, train)
	cat := ts.MustCat([]ts.Tensor{*upOut, *sn}, 1)
	upOut.MustDrop()
	sn.MustDrop()
	x := b.relu.Forward(cat)
	cat.MustDrop()

	out := b.conv1.ForwardT(x, train)
	x.MustDrop()
	if b.conv2 == nil {
		return out, nil
	}
	res := b.conv2.ForwardT(out, train)
	out.MustDrop()

	return res, nil
}

// ForwardT implements ts.ModuleT for UnetBlock.
func (b *UnetBlock) ForwardT(upIn *ts.Tensor, train bool) *ts.Tensor {
	out, err := b.Forward(upIn, train)
	if err != nil {
		panic(err)
	}
	return out
}

// OutChannels returns the number of output channels.
func (b *UnetBlock) OutChannels() int64 {
	return b.nf
}

// SelfAttention reports whether the block applies self-attention.
func (b *UnetBlock) SelfAttention() bool {
	return b.sa
}

// Blur reports whether the block blurs its upsampled input.
func (b *UnetBlock) Blur() bool {
	return b.blur
}

// Hook returns the hook feeding the skip connection.
func (b *UnetBlock) Hook() *encoder.Hook {
	return b.hook
}

// matchSize resizes x to the spatial size of ref with nearest interpolation
// when they differ. x is consumed.
func matchSize(x, ref *ts.Tensor) *ts.Tensor {
	xSize := x.MustSize()
	refSize := ref.MustSize()
	if reflect.DeepEqual(xSize[2:], refSize[2:]) {
		return x
	}

	return x.MustUpsampleNearest2d(refSize[2:], nil, nil, true)
}
