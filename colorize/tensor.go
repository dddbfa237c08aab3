package colorize

import (
	"image"
	"image/color"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

var (
	imagenetMean = []float32{0.485, 0.456, 0.406} // image RGB mean
	imagenetSD   = []float32{0.229, 0.224, 0.225} // image RGB standard error
)

func imagenetStats(device gotch.Device) (mean, sd *ts.Tensor) {
	mean = ts.MustOfSlice(imagenetMean).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)
	sd = ts.MustOfSlice(imagenetSD).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)
	return mean, sd
}

// Normalize maps an RGB batch [N 3 H W] in [0, 1] to ImageNet statistics.
func Normalize(x *ts.Tensor, del bool) *ts.Tensor {
	mean, sd := imagenetStats(x.MustDevice())

	// x = (x - mean)/sd
	n := x.MustSub(mean, del).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}

// Denormalize is the inverse of Normalize.
func Denormalize(x *ts.Tensor, del bool) *ts.Tensor {
	mean, sd := imagenetStats(x.MustDevice())

	// x = x*sd + mean
	n := x.MustMul(sd, del).MustAdd(mean, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}

// ImageToTensor converts img to a float batch [1 3 H W] in [0, 1] on CPU.
func ImageToTensor(img image.Image) *ts.Tensor {
	src := toNRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	plane := w * h

	vals := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.NRGBAAt(src.Rect.Min.X+x, src.Rect.Min.Y+y)
			i := y*w + x
			vals[i] = float32(c.R) / 255
			vals[plane+i] = float32(c.G) / 255
			vals[2*plane+i] = float32(c.B) / 255
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{1, 3, int64(h), int64(w)}, true)
}

// TensorToImage converts the first image of a batch [N 3 H W] in [0, 1] to
// an NRGBA image. Values outside [0, 1] are clipped.
func TensorToImage(x *ts.Tensor) *image.NRGBA {
	size := x.MustSize()
	h, w := int(size[2]), int(size[3])
	plane := w * h

	first := x.MustNarrow(0, 0, 1, false)
	vals := first.MustTo(gotch.CPU, true).Float64Values()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(vals[i]),
				G: toByte(vals[plane+i]),
				B: toByte(vals[2*plane+i]),
				A: 255,
			})
		}
	}

	return img
}

func toByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
