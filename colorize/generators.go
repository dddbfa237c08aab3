package colorize

import (
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/colorize/base"
	"github.com/sugarme/colorize/encoder"
	"github.com/sugarme/colorize/unet"
)

// Arch is a backbone architecture.
type Arch int

const (
	ResNet34 Arch = iota
	ResNet101
)

func (a Arch) String() string {
	switch a {
	case ResNet101:
		return "resnet101"
	default:
		return "resnet34"
	}
}

// Body creates the backbone with variables under p.
func (a Arch) Body(p *nn.Path) *encoder.Backbone {
	switch a {
	case ResNet101:
		return encoder.ResNet101Body(p)
	default:
		return encoder.ResNet34Body(p)
	}
}

// ParseArch parses "resnet34" or "resnet101".
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "resnet34":
		return ResNet34, nil
	case "resnet101":
		return ResNet101, nil
	default:
		return 0, errors.Errorf("colorize: unknown arch %q", s)
	}
}

// ColorizeGenConfig returns the generator configuration used to train the
// colorizer: blurred spectral-norm blocks with self-attention and outputs in
// (-3, 3).
func ColorizeGenConfig() unet.Config {
	cfg := unet.Variant2Config(3)
	cfg.Blur = true
	cfg.NormType = base.NormSpectral
	cfg.SelfAttention = true
	cfg.YRange = &[2]float64{-3.0, 3.0}

	return cfg
}

// StableGenConfig is the wide generator of the stable colorizer, built on
// ResNet101.
func StableGenConfig() unet.Config {
	cfg := ColorizeGenConfig()
	cfg.FusionNorm = true
	cfg.NfFactor = 2.0

	return cfg
}

// ArtisticGenConfig is the deep generator of the artistic colorizer, built on
// ResNet34.
func ArtisticGenConfig() unet.Config {
	cfg := ColorizeGenConfig()
	cfg.FusionNorm = true
	cfg.NfFactor = 1.5

	return cfg
}

// NewGenerator builds the arch backbone and a DynamicUnet on it, both under p.
// Backbone variables sit at the root of p with torchvision names; decoder
// variables live under "unet".
func NewGenerator(p *nn.Path, arch Arch, cfg unet.Config) (*unet.DynamicUnet, error) {
	body := arch.Body(p)
	m, err := unet.New(p.Sub("unet"), body, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "colorize: build %s generator", arch)
	}

	return m, nil
}

// LoadGenerator creates a generator on device and loads its weights from
// weightsPath. With partial set, variables missing from the file keep their
// initial values, so pretrained backbone weights alone can be loaded.
func LoadGenerator(weightsPath string, arch Arch, cfg unet.Config, device gotch.Device, partial bool) (*unet.DynamicUnet, *nn.VarStore, error) {
	vs := nn.NewVarStore(device)
	m, err := NewGenerator(vs.Root(), arch, cfg)
	if err != nil {
		return nil, nil, err
	}

	if partial {
		missing, err := vs.LoadPartial(weightsPath)
		if err != nil {
			m.Close()
			return nil, nil, errors.Wrapf(err, "colorize: load %s", weightsPath)
		}
		slog.Info("generator weights loaded", "path", weightsPath, "missing", len(missing))
	} else {
		if err := vs.Load(weightsPath); err != nil {
			m.Close()
			return nil, nil, errors.Wrapf(err, "colorize: load %s", weightsPath)
		}
		slog.Info("generator weights loaded", "path", weightsPath)
	}

	return m, vs, nil
}

// NewModelImageColorizer wires model into an ImageColorizer: a MasterFilter
// holding one ColorizerFilter at renderFactor.
func NewModelImageColorizer(model Model, device gotch.Device, renderFactor int, resultsDir string) *ImageColorizer {
	filter := NewMasterFilter(renderFactor, NewColorizerFilter(NewModelTransformer(model, device)))
	return NewImageColorizer(filter, resultsDir)
}
