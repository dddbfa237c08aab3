package unet

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/colorize/base"
	"github.com/sugarme/colorize/encoder"
)

// ErrNoSizeChange is returned when the backbone never changes resolution, so
// there is no activation to skip-connect.
var ErrNoSizeChange = errors.New("unet: backbone has no resolution change")

// Stage names reported by DynamicUnet.Stages.
const (
	StageEncoder   = "encoder"
	StageBN        = "bn"
	StageReLU      = "relu"
	StageMiddle    = "middle"
	StageBlock     = "block"
	StageUpsample  = "upsample"
	StageMerge     = "merge"
	StageResBlock  = "res"
	StageHead      = "head"
	StageSigmoidRg = "sigmoid_range"
)

// stageFn forwards x; orig is the model input.
type stageFn func(x, orig *ts.Tensor, train bool) (*ts.Tensor, error)

type stage struct {
	name string
	fn   stageFn
}

// moduleStage wraps a ts.ModuleT that never fails.
func moduleStage(name string, m ts.ModuleT) stage {
	return stage{name, func(x, _ *ts.Tensor, train bool) (*ts.Tensor, error) {
		return m.ForwardT(x, train), nil
	}}
}

// DynamicUnet is a U-Net whose decoder mirrors the resolution changes of an
// arbitrary backbone.
//
// The model borrows the backbone and owns the hooks attached to it; Close
// releases them. A DynamicUnet supports one forward pass at a time.
type DynamicUnet struct {
	enc    *encoder.Backbone
	hooks  *encoder.Hooks
	blocks []*UnetBlock
	stages []stage
	headIn int64
	cfg    Config
}

// New builds a DynamicUnet on enc with variables under p. Failures, including
// panics from the backbone, are returned as errors and leave enc unhooked.
func New(p *nn.Path, enc *encoder.Backbone, cfg Config) (m *DynamicUnet, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	imsize := cfg.probeSize()
	device := p.Device()

	var hooks *encoder.Hooks
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("unet: construction failed: %v", r)
		}
		if err != nil {
			if hooks != nil {
				hooks.Release()
			}
			m = nil
		}
	}()

	sizes, err := encoder.ModelSizes(enc, imsize, device)
	if err != nil {
		return nil, err
	}
	idxs := encoder.SizeChangeIndices(sizes)
	if len(idxs) == 0 {
		return nil, ErrNoSizeChange
	}
	idxs = encoder.Reversed(idxs)

	hooks, err = encoder.Attach(enc, idxs)
	if err != nil {
		return nil, err
	}

	m = &DynamicUnet{
		enc:   enc,
		hooks: hooks,
		cfg:   cfg,
	}
	err = m.build(p, sizes, idxs)
	if err != nil {
		return nil, err
	}

	slog.Debug("dynamic unet built",
		"sizes", len(sizes), "indices", idxs, "blocks", len(m.blocks),
		"stages", m.Stages(), "headIn", m.headIn)

	return m, nil
}

func (m *DynamicUnet) build(p *nn.Path, sizes []encoder.Shape, idxs []int) error {
	cfg := m.cfg
	imsize := cfg.probeSize()
	extraBN := cfg.extraBN()

	dummy := encoder.DummyBatch(m.enc.InChannels(), imsize, p.Device())
	defer dummy.MustDrop()

	var (
		x   *ts.Tensor
		err error
	)
	ts.NoGrad(func() {
		x, err = m.hooks.Capture(dummy, false)
	})
	if err != nil {
		return err
	}
	defer func() { x.MustDrop() }()

	m.stages = append(m.stages, stage{StageEncoder, func(x, _ *ts.Tensor, train bool) (*ts.Tensor, error) {
		return m.hooks.Capture(x, train)
	}})

	ni := sizes[len(sizes)-1].Channels()
	if cfg.MiddleBN {
		m.stages = append(m.stages, moduleStage(StageBN, base.BatchNorm2d(p.Sub("bn"), ni, base.NormBatch)))
	}
	m.stages = append(m.stages, moduleStage(StageReLU, base.Activation(nil)))

	midCfg := base.DefaultConvConfig()
	midCfg.NormType = cfg.NormType
	midCfg.ExtraBN = extraBN
	midCfg.Leaky = cfg.Leaky
	mid1 := base.NewConvLayer(p.Sub("middle").Sub("0"), ni, ni*2, midCfg)
	mid2 := base.NewConvLayer(p.Sub("middle").Sub("1"), ni*2, ni, midCfg)
	middle := nn.NewFuncT(func(xs *ts.Tensor, train bool) *ts.Tensor {
		h := mid1.ForwardT(xs, train)
		out := mid2.ForwardT(h, train)
		h.MustDrop()
		return out
	})
	m.stages = append(m.stages, moduleStage(StageMiddle, middle))
	next := m.dryRun(middle, x)
	x.MustDrop()
	x = next

	for i, idx := range idxs {
		notFinal := i != len(idxs)-1
		upInC := x.MustSize()[1]
		if cfg.WidthMode == WidthFixed && i > 0 {
			upInC = cfg.Nf
		}
		xInC := sizes[idx].Channels()

		blockCfg := BlockConfig{
			FinalDiv:      notFinal,
			NfFactor:      cfg.NfFactor,
			SingleConv:    cfg.Refinement == OneConv,
			SkipBN:        cfg.SkipBN,
			Blur:          cfg.Blur && (notFinal || cfg.BlurFinal),
			SelfAttention: cfg.SelfAttention && i == len(idxs)-3,
			Leaky:         cfg.Leaky,
			NormType:      cfg.NormType,
			ExtraBN:       extraBN,
		}
		if cfg.WidthMode == WidthFixed {
			blockCfg.OutC = cfg.Nf
		}

		block := NewUnetBlock(p.Sub(fmt.Sprintf("block%d", i)), upInC, xInC, m.hooks.At(i), blockCfg)
		m.blocks = append(m.blocks, block)
		m.stages = append(m.stages, stage{fmt.Sprintf("%s%d", StageBlock, i), func(x, _ *ts.Tensor, train bool) (*ts.Tensor, error) {
			return block.Forward(x, train)
		}})
		next := m.dryRun(block, x)
		x.MustDrop()
		x = next
	}

	ni = x.MustSize()[1]
	if !reflect.DeepEqual(x.MustSize()[2:], imsize) {
		shufCfg := base.DefaultPixelShuffleConfig()
		shufCfg.Leaky = cfg.Leaky
		up := base.NewPixelShuffleICNR(p.Sub("upsample"), ni, ni, shufCfg)
		m.stages = append(m.stages, moduleStage(StageUpsample, up))
	}

	if cfg.LastCross {
		m.stages = append(m.stages, stage{StageMerge, func(x, orig *ts.Tensor, _ bool) (*ts.Tensor, error) {
			return base.Merge(x, orig, true), nil
		}})
		ni += m.enc.InChannels()

		resCfg := base.ResBlockConfig{
			NormType: base.NormBatch,
			Bottle:   cfg.Bottle,
			Leaky:    cfg.Leaky,
		}
		if cfg.FusionNorm {
			resCfg.NormType = cfg.NormType
		}
		m.stages = append(m.stages, moduleStage(StageResBlock, base.NewResBlock(p.Sub("res"), ni, resCfg)))
	}

	m.headIn = ni
	m.stages = append(m.stages, moduleStage(StageHead, base.NewOutputHead(p.Sub("head"), ni, cfg.NClasses, cfg.NormType)))

	if cfg.YRange != nil {
		m.stages = append(m.stages, moduleStage(StageSigmoidRg, base.NewSigmoidRange(cfg.YRange[0], cfg.YRange[1])))
	}

	return nil
}

// dryRun evaluates module on x without gradient tracking to size the next
// stage.
func (m *DynamicUnet) dryRun(module ts.ModuleT, x *ts.Tensor) *ts.Tensor {
	var out *ts.Tensor
	ts.NoGrad(func() {
		out = module.ForwardT(x, false)
	})

	return out
}

// Forward runs x [batch C H W] through every stage in order.
func (m *DynamicUnet) Forward(x *ts.Tensor, train bool) (*ts.Tensor, error) {
	cur := x
	for _, st := range m.stages {
		next, err := st.fn(cur, x, train)
		if cur != x {
			cur.MustDrop()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "unet: stage %s", st.name)
		}
		cur = next
	}

	if cur == x {
		return x.MustShallowClone(), nil
	}
	return cur, nil
}

// ForwardT implements ts.ModuleT for DynamicUnet. It panics where Forward
// returns an error.
func (m *DynamicUnet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out, err := m.Forward(x, train)
	if err != nil {
		panic(err)
	}
	return out
}

// Close releases the encoder hooks. It is safe to call more than once;
// Forward fails with encoder.ErrHooksReleased afterwards.
func (m *DynamicUnet) Close() error {
	m.hooks.Release()
	return nil
}

// Stages returns the stage names in execution order.
func (m *DynamicUnet) Stages() []string {
	names := make([]string, len(m.stages))
	for i, st := range m.stages {
		names[i] = st.name
	}
	return names
}

// Blocks returns the decoder blocks, deepest first.
func (m *DynamicUnet) Blocks() []*UnetBlock {
	return m.blocks
}

// HeadInChannels returns the channel count entering the output head.
func (m *DynamicUnet) HeadInChannels() int64 {
	return m.headIn
}

// Encoder returns the borrowed backbone.
func (m *DynamicUnet) Encoder() *encoder.Backbone {
	return m.enc
}

// Config returns the configuration the model was built with.
func (m *DynamicUnet) Config() Config {
	return m.cfg
}
