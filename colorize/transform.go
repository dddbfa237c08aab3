package colorize

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Transformer maps an RGB batch [N 3 H W] in [0, 1] to a colorized batch of
// the same shape in [0, 1].
type Transformer interface {
	Transform(x *ts.Tensor) (*ts.Tensor, error)
}

// Model is the generator contract used by ModelTransformer.
// *unet.DynamicUnet satisfies it.
type Model interface {
	Forward(x *ts.Tensor, train bool) (*ts.Tensor, error)
}

// ModelTransformer runs a generator in eval mode on ImageNet-normalized input.
type ModelTransformer struct {
	model  Model
	device gotch.Device
}

// NewModelTransformer creates ModelTransformer running model on device.
func NewModelTransformer(model Model, device gotch.Device) *ModelTransformer {
	return &ModelTransformer{
		model:  model,
		device: device,
	}
}

// Transform implements Transformer. The result lives on CPU.
func (t *ModelTransformer) Transform(x *ts.Tensor) (*ts.Tensor, error) {
	var (
		out *ts.Tensor
		err error
	)

	ts.NoGrad(func() {
		xd := x.MustTo(t.device, false)
		n := Normalize(xd, true)

		var y *ts.Tensor
		y, err = t.model.Forward(n, false)
		n.MustDrop()
		if err != nil {
			return
		}

		out = Denormalize(y, true).
			MustClamp(ts.FloatScalar(0.0), ts.FloatScalar(1.0), true).
			MustTo(gotch.CPU, true)
	})
	if err != nil {
		return nil, errors.Wrap(err, "colorize: generator forward")
	}

	return out, nil
}
