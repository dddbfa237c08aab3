package colorize

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// readImage reads an image from file.
func readImage(filename string) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tiff", ".tif":
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		img, err := tiff.Decode(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", filename)
		}
		return toNRGBA(img), nil
	default:
		img, err := imaging.Open(filename, imaging.AutoOrientation(true))
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", filename)
		}
		return toNRGBA(img), nil
	}
}

// toNRGBA returns img as an NRGBA image anchored at the origin, copying it
// when needed.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}

	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, img, b, draw.Src, nil)

	return dst
}
