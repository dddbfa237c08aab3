package base

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

const normEps = 1e-12

// Conv is a 2D convolution whose effective weight is derived from a raw
// weight according to its NormType:
//   - NormWeight:   w = g * v / ||v||, norm taken per output channel.
//   - NormSpectral: w = w_orig / sigma, sigma estimated by power iteration.
//   - otherwise:    w is the raw weight.
type Conv struct {
	Ws *ts.Tensor // raw weight [cOut cIn k k]
	Bs *ts.Tensor // undefined tensor when the conv has no bias
	G  *ts.Tensor // weight-norm magnitude [cOut 1 1 1]
	U  *ts.Tensor // spectral-norm left singular vector estimate [cOut]
	V  *ts.Tensor // spectral-norm right singular vector estimate [cIn*k*k]

	norm     NormType
	stride   []int64
	padding  []int64
	dilation []int64
}

// NewConv creates a Conv with kaiming normal weights and zeroed bias.
func NewConv(p *nn.Path, cIn, cOut, ksize, stride, padding int64, bias bool, norm NormType) *Conv {
	fanIn := cIn * ksize * ksize
	dims := []int64{cOut, cIn, ksize, ksize}

	c := &Conv{
		norm:     norm,
		stride:   []int64{stride, stride},
		padding:  []int64{padding, padding},
		dilation: []int64{1, 1},
	}

	switch norm {
	case NormWeight:
		c.Ws = p.NewVar("weight_v", dims, nn.NewRandnInit(0.0, kaimingNormalStd(fanIn)))
		c.G = p.NewVar("weight_g", []int64{cOut, 1, 1, 1}, nn.NewConstInit(1.0))
		c.SyncNorm()
	case NormSpectral:
		c.Ws = p.NewVar("weight_orig", dims, nn.NewRandnInit(0.0, kaimingNormalStd(fanIn)))
		c.U = p.ZerosNoTrain("weight_u", []int64{cOut})
		c.V = p.ZerosNoTrain("weight_v", []int64{fanIn})
		ts.NoGrad(func() {
			u := l2Normalize(ts.MustRandn([]int64{cOut}, gotch.Float, gotch.CPU), true)
			v := l2Normalize(ts.MustRandn([]int64{fanIn}, gotch.Float, gotch.CPU), true)
			c.U.Copy_(u)
			c.V.Copy_(v)
			u.MustDrop()
			v.MustDrop()
		})
	default:
		c.Ws = p.NewVar("weight", dims, nn.NewRandnInit(0.0, kaimingNormalStd(fanIn)))
	}

	if bias {
		c.Bs = p.NewVar("bias", []int64{cOut}, nn.NewConstInit(0.0))
	} else {
		c.Bs = ts.NewTensor()
	}

	return c
}

// Weight computes the effective convolution weight. In training mode a
// spectral-normalized conv advances its power iteration by one step.
func (c *Conv) Weight(train bool) *ts.Tensor {
	switch c.norm {
	case NormWeight:
		n := channelNorm(c.Ws)
		dir := c.Ws.MustDiv(n, false)
		n.MustDrop()
		return dir.MustMul(c.G, true)
	case NormSpectral:
		cOut := c.Ws.MustSize()[0]
		wMat := c.Ws.MustView([]int64{cOut, -1}, false)
		if train {
			ts.NoGrad(func() {
				wt := wMat.MustTranspose(0, 1, false)
				v := l2Normalize(wt.MustMv(c.U, true), true)
				u := l2Normalize(wMat.MustMv(v, false), true)
				c.V.Copy_(v)
				c.U.Copy_(u)
				v.MustDrop()
				u.MustDrop()
			})
		}
		wv := wMat.MustMv(c.V, true)
		sigma := c.U.MustDot(wv, false)
		wv.MustDrop()
		w := c.Ws.MustDiv(sigma, false)
		sigma.MustDrop()
		return w
	default:
		return c.Ws.MustShallowClone()
	}
}

// SyncNorm resets the weight-norm magnitude to the current norm of the raw
// weight, so that the effective weight equals a freshly re-initialized Ws.
func (c *Conv) SyncNorm() {
	if c.G == nil {
		return
	}
	ts.NoGrad(func() {
		n := channelNorm(c.Ws)
		c.G.Copy_(n)
		n.MustDrop()
	})
}

// ForwardT implements ts.ModuleT for Conv.
func (c *Conv) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	w := c.Weight(train)
	out := ts.MustConv2d(x, w, c.Bs, c.stride, c.padding, c.dilation, 1)
	w.MustDrop()

	return out
}

// channelNorm returns the L2 norm of w per output channel, shaped [cOut 1 1 1].
func channelNorm(w *ts.Tensor) *ts.Tensor {
	size := w.MustSize()
	flat := w.MustView([]int64{size[0], -1}, false)
	sq := flat.MustMul(flat, true)
	sum := sq.MustSum1([]int64{1}, true, gotch.Float, true)
	return sum.MustSqrt(true).MustView([]int64{size[0], 1, 1, 1}, true)
}

func l2Normalize(x *ts.Tensor, del bool) *ts.Tensor {
	sq := x.MustMul(x, false)
	n := sq.MustSum(gotch.Float, true).MustSqrt(true).MustClampMin(ts.FloatScalar(normEps), true)
	res := x.MustDiv(n, del)
	n.MustDrop()
	return res
}

// ConvConfig holds options for ConvLayer.
type ConvConfig struct {
	Ksize         int64
	Stride        int64
	Padding       *int64 // (Ksize-1)/2 when nil
	Bias          *bool  // true unless a batch norm follows, when nil
	NormType      NormType
	UseActiv      bool
	Leaky         *float64
	SelfAttention bool
	ExtraBN       bool // append a batch norm whatever NormType is
}

// DefaultConvConfig returns a 3x3 stride 1 conv with batch norm and ReLU.
func DefaultConvConfig() ConvConfig {
	return ConvConfig{
		Ksize:    3,
		Stride:   1,
		NormType: NormBatch,
		UseActiv: true,
	}
}

// ConvLayer is conv -> activation -> batch norm -> self-attention, each
// stage after the conv being optional. The batch norm starts at weight 1 and
// bias 0 for NormBatch and NormBatchZero alike.
type ConvLayer struct {
	Conv   *Conv
	Attn   *SelfAttention
	layers []ts.ModuleT
	nf     int64
}

// NewConvLayer creates a ConvLayer from ni to nf channels.
func NewConvLayer(p *nn.Path, ni, nf int64, cfg ConvConfig) *ConvLayer {
	ksize := cfg.Ksize
	if ksize == 0 {
		ksize = 3
	}
	stride := cfg.Stride
	if stride == 0 {
		stride = 1
	}
	padding := (ksize - 1) / 2
	if cfg.Padding != nil {
		padding = *cfg.Padding
	}
	bn := cfg.NormType.IsBatch() || cfg.ExtraBN
	bias := !bn
	if cfg.Bias != nil {
		bias = *cfg.Bias
	}

	l := &ConvLayer{nf: nf}
	l.Conv = NewConv(p.Sub("0"), ni, nf, ksize, stride, padding, bias, cfg.NormType)
	l.layers = append(l.layers, l.Conv)
	if cfg.UseActiv {
		l.layers = append(l.layers, Activation(cfg.Leaky))
	}
	if bn {
		l.layers = append(l.layers, PlainBatchNorm2d(p.Sub("bn"), nf))
	}
	if cfg.SelfAttention {
		l.Attn = NewSelfAttention(p.Sub("attn"), nf)
		l.layers = append(l.layers, l.Attn)
	}

	return l
}

// ForwardT implements ts.ModuleT for ConvLayer.
func (l *ConvLayer) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out := l.layers[0].ForwardT(x, train)
	for _, layer := range l.layers[1:] {
		next := layer.ForwardT(out, train)
		out.MustDrop()
		out = next
	}

	return out
}

// OutChannels returns the number of output channels.
func (l *ConvLayer) OutChannels() int64 {
	return l.nf
}
