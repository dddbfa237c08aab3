package colorize

import (
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ImageColorizer applies a Filter to image files and saves the results.
type ImageColorizer struct {
	filter     Filter
	resultsDir string
}

// NewImageColorizer creates ImageColorizer. Results are written under
// resultsDir; an empty resultsDir disables SaveResult.
func NewImageColorizer(filter Filter, resultsDir string) *ImageColorizer {
	return &ImageColorizer{
		filter:     filter,
		resultsDir: resultsDir,
	}
}

// TransformImage reads the image at path and runs the filter on it. A
// renderFactor <= 0 lets the filter pick its default.
func (v *ImageColorizer) TransformImage(path string, renderFactor int) (image.Image, error) {
	return v.transform(path, renderFactor, "image")
}

func (v *ImageColorizer) transform(path string, renderFactor int, source string) (image.Image, error) {
	start := time.Now()

	orig, err := readImage(path)
	if err != nil {
		colorizeErrors.WithLabelValues("read").Inc()
		return nil, err
	}

	res, err := v.filter.Filter(orig, orig, renderFactor)
	if err != nil {
		colorizeErrors.WithLabelValues("filter").Inc()
		return nil, errors.Wrapf(err, "colorize %s", path)
	}

	colorizeDuration.Observe(time.Since(start).Seconds())
	imagesColorized.WithLabelValues(source).Inc()

	return res, nil
}

// SaveResult writes img into the results directory under the base name of
// sourcePath and returns the written path.
func (v *ImageColorizer) SaveResult(sourcePath string, img image.Image) (string, error) {
	if v.resultsDir == "" {
		return "", errors.New("colorize: no results directory")
	}
	if err := os.MkdirAll(v.resultsDir, 0o755); err != nil {
		return "", err
	}

	resultPath := filepath.Join(v.resultsDir, filepath.Base(sourcePath))
	if err := imaging.Save(img, resultPath); err != nil {
		return "", errors.Wrapf(err, "save %s", resultPath)
	}
	slog.Info("image colorized", "source", sourcePath, "result", resultPath)

	return resultPath, nil
}
