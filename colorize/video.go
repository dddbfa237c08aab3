package colorize

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sugarme/colorize"

// FramePattern names extracted and colorized frames: 00001.jpg, 00002.jpg...
const FramePattern = "%5d.jpg"

// DefaultWorkFolder is the video work folder used when none is configured.
const DefaultWorkFolder = "./video"

// VideoConfig holds options for VideoColorizer.
type VideoConfig struct {
	// WorkFolder holds source/, bwframes/, colorframes/ and result/.
	WorkFolder string
	// RenderFactor is passed to the image filter; <= 0 selects its default.
	RenderFactor int
}

// VideoColorizer colorizes a video frame by frame:
//
//	source/<name>          -> bwframes/<stem>/%5d.jpg
//	bwframes/<stem>/*.jpg  -> colorframes/<stem>/*.jpg
//	colorframes/<stem>/    -> result/<name>
type VideoColorizer struct {
	vis  *ImageColorizer
	tool MediaTool
	cfg  VideoConfig
}

// NewVideoColorizer creates VideoColorizer.
func NewVideoColorizer(vis *ImageColorizer, tool MediaTool, cfg VideoConfig) *VideoColorizer {
	if cfg.WorkFolder == "" {
		cfg.WorkFolder = DefaultWorkFolder
	}
	return &VideoColorizer{
		vis:  vis,
		tool: tool,
		cfg:  cfg,
	}
}

// SourceFolder returns the folder ColorizeFromFile reads videos from.
func (v *VideoColorizer) SourceFolder() string {
	return filepath.Join(v.cfg.WorkFolder, "source")
}

// BWFramesFolder returns the folder holding the extracted frames of a video.
func (v *VideoColorizer) BWFramesFolder(sourcePath string) string {
	return filepath.Join(v.cfg.WorkFolder, "bwframes", stem(sourcePath))
}

// ColorFramesFolder returns the folder holding the colorized frames of a
// video.
func (v *VideoColorizer) ColorFramesFolder(sourcePath string) string {
	return filepath.Join(v.cfg.WorkFolder, "colorframes", stem(sourcePath))
}

// ResultPath returns where the colorized video is written.
func (v *VideoColorizer) ResultPath(sourcePath string) string {
	return filepath.Join(v.cfg.WorkFolder, "result", filepath.Base(sourcePath))
}

// ColorizeFromFile colorizes the video fileName found in SourceFolder and
// returns the path of the result.
func (v *VideoColorizer) ColorizeFromFile(ctx context.Context, fileName string) (string, error) {
	return v.ColorizeFromPath(ctx, filepath.Join(v.SourceFolder(), fileName))
}

// ColorizeFromPath colorizes the video at sourcePath and returns the path of
// the result.
func (v *VideoColorizer) ColorizeFromPath(ctx context.Context, sourcePath string) (string, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return "", errors.Wrap(err, "colorize: source video")
	}

	job := uuid.New().String()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "colorize.Video",
		trace.WithAttributes(
			attribute.String("job_id", job),
			attribute.String("source", sourcePath),
		))
	defer span.End()

	logger := slog.With("job", job, "source", sourcePath)

	err := v.stage(ctx, "extract", func(ctx context.Context) error {
		return v.extractRawFrames(ctx, sourcePath)
	})
	if err != nil {
		return "", err
	}
	logger.Info("frames extracted", "folder", v.BWFramesFolder(sourcePath))

	var frames int
	err = v.stage(ctx, "colorize", func(ctx context.Context) error {
		var err error
		frames, err = v.colorizeRawFrames(ctx, sourcePath)
		return err
	})
	if err != nil {
		return "", err
	}
	logger.Info("frames colorized", "frames", frames)

	err = v.stage(ctx, "build", func(ctx context.Context) error {
		return v.buildVideo(ctx, sourcePath)
	})
	if err != nil {
		return "", err
	}

	resultPath := v.ResultPath(sourcePath)
	span.SetAttributes(attribute.Int("frames", frames))
	videosBuilt.Inc()
	logger.Info("video created", "result", resultPath)

	return resultPath, nil
}

// stage runs fn inside a child span and counts its failures.
func (v *VideoColorizer) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "colorize."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		colorizeErrors.WithLabelValues(name).Inc()
		return errors.Wrapf(err, "colorize: %s", name)
	}

	return nil
}

func (v *VideoColorizer) extractRawFrames(ctx context.Context, sourcePath string) error {
	folder := v.BWFramesFolder(sourcePath)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}
	if err := purgeImages(folder); err != nil {
		return err
	}

	return v.tool.ExtractFrames(ctx, sourcePath, filepath.Join(folder, FramePattern))
}

func (v *VideoColorizer) colorizeRawFrames(ctx context.Context, sourcePath string) (int, error) {
	colorFolder := v.ColorFramesFolder(sourcePath)
	if err := os.MkdirAll(colorFolder, 0o755); err != nil {
		return 0, err
	}
	if err := purgeImages(colorFolder); err != nil {
		return 0, err
	}

	bwFolder := v.BWFramesFolder(sourcePath)
	entries, err := os.ReadDir(bwFolder)
	if err != nil {
		return 0, err
	}

	var n int
	for _, e := range entries {
		if e.IsDir() || !isFrame(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}

		img, err := v.vis.transform(filepath.Join(bwFolder, e.Name()), v.cfg.RenderFactor, "frame")
		if err != nil {
			return n, err
		}
		if err := imaging.Save(img, filepath.Join(colorFolder, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, errors.Errorf("no frames in %s", bwFolder)
	}

	return n, nil
}

func (v *VideoColorizer) buildVideo(ctx context.Context, sourcePath string) error {
	resultPath := v.ResultPath(sourcePath)
	if err := os.MkdirAll(filepath.Dir(resultPath), 0o755); err != nil {
		return err
	}
	if err := os.Remove(resultPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	fps, err := v.tool.FPS(ctx, sourcePath)
	if err != nil {
		return err
	}

	pattern := filepath.Join(v.ColorFramesFolder(sourcePath), FramePattern)
	return v.tool.BuildVideo(ctx, pattern, fps, resultPath)
}

// purgeImages removes every jpg file in dir.
func purgeImages(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), ".jpg") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}

	return nil
}

func isFrame(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".jpg")
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
