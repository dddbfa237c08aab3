package unet

import (
	"github.com/pkg/errors"

	"github.com/sugarme/colorize/base"
)

// WidthMode selects how decoder block widths are computed.
type WidthMode int

const (
	// WidthFactor scales each block width from its input width by NfFactor.
	WidthFactor WidthMode = iota
	// WidthFixed pins every block to Nf channels.
	WidthFixed
)

// Refinement is the number of convolutions refining each decoder block.
type Refinement int

const (
	TwoConv Refinement = iota
	OneConv
)

// Config parameterizes DynamicUnet.
type Config struct {
	NClasses      int64
	Blur          bool
	BlurFinal     bool // blur the last (shallowest) block too when Blur is set
	SelfAttention bool // on the third block from the output
	YRange        *[2]float64
	LastCross     bool // fuse the decoder output with the model input
	Bottle        bool // halve the width inside the fusion res block
	NormType      base.NormType
	Leaky         *float64
	ImSize        []int64 // probe size, 256x256 when nil

	WidthMode  WidthMode
	NfFactor   float64 // WidthFactor
	Nf         int64   // WidthFixed
	Refinement Refinement

	// MiddleBN puts a batch norm on the encoder output before the ReLU
	// feeding the bottleneck.
	MiddleBN bool
	// FusionNorm passes NormType to the fusion res block, which otherwise
	// uses batch norm.
	FusionNorm bool
	// ExtraBN adds a batch norm to every conv when NormType is spectral.
	ExtraBN bool
	// SkipBN batch-normalizes the skip activations in decoder blocks.
	SkipBN bool
}

// Variant2Config returns the configuration of the first released generator:
// the fusion res block ignores NormType.
func Variant2Config(nClasses int64) Config {
	return Config{
		NClasses:   nClasses,
		BlurFinal:  true,
		LastCross:  true,
		NormType:   base.NormBatch,
		WidthMode:  WidthFactor,
		NfFactor:   1.0,
		Refinement: TwoConv,
		MiddleBN:   true,
		FusionNorm: false,
		ExtraBN:    true,
		SkipBN:     true,
	}
}

// Variant3Config is Variant2Config with NormType threaded into the fusion res
// block.
func Variant3Config(nClasses int64) Config {
	cfg := Variant2Config(nClasses)
	cfg.FusionNorm = true
	return cfg
}

// Variant4Config is Variant3Config without the batch norm before the
// bottleneck and without extra batch norms.
func Variant4Config(nClasses int64) Config {
	cfg := Variant3Config(nClasses)
	cfg.MiddleBN = false
	cfg.ExtraBN = false
	return cfg
}

// Variant5Config pins every decoder block to 256 channels refined by a
// single conv, with a bottlenecked fusion res block.
func Variant5Config(nClasses int64) Config {
	cfg := Variant3Config(nClasses)
	cfg.WidthMode = WidthFixed
	cfg.Nf = 256
	cfg.Refinement = OneConv
	cfg.Bottle = true
	return cfg
}

// VariantConfig returns the preset numbered 2 to 5.
func VariantConfig(variant int, nClasses int64) (Config, error) {
	switch variant {
	case 2:
		return Variant2Config(nClasses), nil
	case 3:
		return Variant3Config(nClasses), nil
	case 4:
		return Variant4Config(nClasses), nil
	case 5:
		return Variant5Config(nClasses), nil
	default:
		return Config{}, errors.Errorf("unet: unknown variant %d, expected 2 to 5", variant)
	}
}

// Validate checks the options that cannot be left to tensor shape errors.
func (c Config) Validate() error {
	if c.NClasses <= 0 {
		return errors.Errorf("unet: NClasses must be positive, got %d", c.NClasses)
	}
	if c.WidthMode == WidthFixed && c.Nf <= 0 {
		return errors.Errorf("unet: fixed width needs a positive Nf, got %d", c.Nf)
	}
	if c.YRange != nil && c.YRange[0] >= c.YRange[1] {
		return errors.Errorf("unet: invalid y range (%v, %v)", c.YRange[0], c.YRange[1])
	}
	if c.ImSize != nil {
		if len(c.ImSize) != 2 {
			return errors.Errorf("unet: probe size must be 2D, got %v", c.ImSize)
		}
		if c.ImSize[0] <= 0 || c.ImSize[1] <= 0 {
			return errors.Errorf("unet: probe size must be positive, got %v", c.ImSize)
		}
	}

	return nil
}

func (c Config) probeSize() []int64 {
	if c.ImSize == nil {
		return []int64{256, 256}
	}
	return c.ImSize
}

func (c Config) extraBN() bool {
	return c.ExtraBN && c.NormType == base.NormSpectral
}
