package base

import (
	"math"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustShallowClone()
}

// Forward implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// NormType selects the normalization applied around a convolution.
type NormType int

const (
	NormNone NormType = iota
	NormBatch
	NormBatchZero // batch norm with weights initialized to zero
	NormWeight
	NormSpectral
)

func (n NormType) String() string {
	switch n {
	case NormBatch:
		return "batch"
	case NormBatchZero:
		return "batchzero"
	case NormWeight:
		return "weight"
	case NormSpectral:
		return "spectral"
	default:
		return "none"
	}
}

// IsBatch reports whether n appends a batch-norm layer after the convolution.
func (n NormType) IsBatch() bool {
	return n == NormBatch || n == NormBatchZero
}

// Activation returns a ReLU, or a leaky ReLU with the given negative slope.
func Activation(leaky *float64) nn.Func {
	if leaky == nil {
		return nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
			return xs.MustRelu(false)
		})
	}

	slope := *leaky
	return nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		// relu(x) - slope*relu(-x)
		pos := xs.MustRelu(false)
		neg := xs.MustNeg(false).MustRelu(true).MustMul1(ts.FloatScalar(slope), true)
		res := pos.MustSub(neg, true)
		neg.MustDrop()
		return res
	})
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// kaimingNormalStd is the standard deviation of a kaiming normal init for a
// conv weight with the given fan-in.
func kaimingNormalStd(fanIn int64) float64 {
	return math.Sqrt(2.0 / float64(fanIn))
}

// BatchNorm2d creates a batch-norm layer with bias set to 1e-3 and weight set
// to 0 for NormBatchZero, 1 otherwise.
func BatchNorm2d(p *nn.Path, nf int64, normType NormType) *nn.BatchNorm {
	config := nn.DefaultBatchNormConfig()
	config.BsInit = nn.NewConstInit(1e-3)
	if normType == NormBatchZero {
		config.WsInit = nn.NewConstInit(0.0)
	} else {
		config.WsInit = nn.NewConstInit(1.0)
	}

	return nn.BatchNorm2D(p, nf, config)
}

// PlainBatchNorm2d creates a batch-norm layer with weight 1 and bias 0.
func PlainBatchNorm2d(p *nn.Path, nf int64) *nn.BatchNorm {
	config := nn.DefaultBatchNormConfig()
	config.WsInit = nn.NewConstInit(1.0)
	config.BsInit = nn.NewConstInit(0.0)

	return nn.BatchNorm2D(p, nf, config)
}
