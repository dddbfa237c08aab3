package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// NewOutputHead creates the pixel-wise output projection: a 1x1 ConvLayer
// without activation.
func NewOutputHead(p *nn.Path, cIn, cOut int64, normType NormType) *ConvLayer {
	cfg := DefaultConvConfig()
	cfg.Ksize = 1
	cfg.UseActiv = false
	cfg.NormType = normType

	return NewConvLayer(p, cIn, cOut, cfg)
}

// SigmoidRange maps its input into (Low, High) with a scaled sigmoid.
type SigmoidRange struct {
	Low  float64
	High float64
}

// NewSigmoidRange creates SigmoidRange.
func NewSigmoidRange(low, high float64) *SigmoidRange {
	return &SigmoidRange{Low: low, High: high}
}

// ForwardT implements ts.ModuleT for SigmoidRange.
func (s *SigmoidRange) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustSigmoid(false).
		MustMul1(ts.FloatScalar(s.High-s.Low), true).
		MustAdd1(ts.FloatScalar(s.Low), true)
}
