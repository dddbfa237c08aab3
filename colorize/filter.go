package colorize

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

const (
	// RenderBase is the number of pixels per render factor unit.
	RenderBase = 16
	// DefaultRenderFactor gives a 576x576 render resolution.
	DefaultRenderFactor = 36
)

// Filter transforms filtered, a processed version of orig, at the resolution
// selected by renderFactor.
type Filter interface {
	Filter(orig, filtered image.Image, renderFactor int) (image.Image, error)
}

// ColorizerFilter colorizes an image with a Transformer.
//
// The input is turned to grayscale and squashed to a square of
// renderFactor*RenderBase pixels. The model output is stretched back to the
// original size and only its chroma is kept: lightness comes from orig.
type ColorizerFilter struct {
	transformer Transformer
}

// NewColorizerFilter creates ColorizerFilter.
func NewColorizerFilter(t Transformer) *ColorizerFilter {
	return &ColorizerFilter{transformer: t}
}

// Filter implements Filter.
func (f *ColorizerFilter) Filter(orig, filtered image.Image, renderFactor int) (image.Image, error) {
	if renderFactor <= 0 {
		return nil, errors.Errorf("colorize: invalid render factor %d", renderFactor)
	}
	sz := uint(renderFactor * RenderBase)

	gray := imaging.Grayscale(filtered)
	square := resize.Resize(sz, sz, gray, resize.Bilinear)

	x := ImageToTensor(square)
	out, err := f.transformer.Transform(x)
	x.MustDrop()
	if err != nil {
		return nil, err
	}
	raw := TensorToImage(out)
	out.MustDrop()

	b := orig.Bounds()
	rawColor := imaging.Resize(raw, b.Dx(), b.Dy(), imaging.Linear)

	return KeepLightness(orig, rawColor), nil
}

// KeepLightness combines the L channel of orig with the a and b channels of
// colored in CIE Lab space. Both images must have the same size.
func KeepLightness(orig, colored image.Image) *image.NRGBA {
	o := toNRGBA(orig)
	c := toNRGBA(colored)
	w, h := o.Rect.Dx(), o.Rect.Dy()

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l, _, _ := labAt(o, x, y)
			_, a, bb := labAt(c, x, y)
			r, g, b := colorful.Lab(l, a, bb).Clamped().RGB255()
			dst.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}

	return dst
}

func labAt(img *image.NRGBA, x, y int) (l, a, b float64) {
	p := img.NRGBAAt(x, y)
	c := colorful.Color{
		R: float64(p.R) / 255,
		G: float64(p.G) / 255,
		B: float64(p.B) / 255,
	}
	return c.Lab()
}

// MasterFilter chains filters, feeding each the output of the previous one.
type MasterFilter struct {
	filters      []Filter
	renderFactor int
}

// NewMasterFilter creates MasterFilter. A renderFactor <= 0 selects
// DefaultRenderFactor.
func NewMasterFilter(renderFactor int, filters ...Filter) *MasterFilter {
	if renderFactor <= 0 {
		renderFactor = DefaultRenderFactor
	}
	return &MasterFilter{
		filters:      filters,
		renderFactor: renderFactor,
	}
}

// RenderFactor returns the default render factor.
func (m *MasterFilter) RenderFactor() int {
	return m.renderFactor
}

// Filter implements Filter. A renderFactor <= 0 selects the default.
func (m *MasterFilter) Filter(orig, filtered image.Image, renderFactor int) (image.Image, error) {
	if renderFactor <= 0 {
		renderFactor = m.renderFactor
	}

	var err error
	for _, f := range m.filters {
		filtered, err = f.Filter(orig, filtered, renderFactor)
		if err != nil {
			return nil, err
		}
	}

	return filtered, nil
}
