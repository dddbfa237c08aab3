package colorize

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MediaTool splits videos into frames and joins frames into videos.
type MediaTool interface {
	// FPS returns the average frame rate of the first video stream, rounded.
	FPS(ctx context.Context, src string) (int, error)
	// ExtractFrames writes every frame of src as a jpg following pattern.
	ExtractFrames(ctx context.Context, src, pattern string) error
	// BuildVideo encodes the jpg frames matching pattern at fps into dst.
	BuildVideo(ctx context.Context, pattern string, fps int, dst string) error
}

// FFmpeg implements MediaTool with the ffmpeg and ffprobe executables.
type FFmpeg struct {
	Bin      string
	ProbeBin string
}

// NewFFmpeg returns an FFmpeg using the executables found in PATH.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{
		Bin:      "ffmpeg",
		ProbeBin: "ffprobe",
	}
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// FPS implements MediaTool.
func (f *FFmpeg) FPS(ctx context.Context, src string) (int, error) {
	out, err := run(ctx, f.ProbeBin, "-v", "error", "-show_streams", "-of", "json", src)
	if err != nil {
		return 0, err
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, errors.Wrap(err, "ffprobe: decode output")
	}
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			return ParseFrameRate(s.AvgFrameRate)
		}
	}

	return 0, errors.Errorf("ffprobe: no video stream in %s", src)
}

// ExtractFrames implements MediaTool.
func (f *FFmpeg) ExtractFrames(ctx context.Context, src, pattern string) error {
	_, err := run(ctx, f.Bin, "-i", src,
		"-f", "image2", "-vcodec", "mjpeg", "-qscale", "0",
		pattern)
	return err
}

// BuildVideo implements MediaTool.
func (f *FFmpeg) BuildVideo(ctx context.Context, pattern string, fps int, dst string) error {
	_, err := run(ctx, f.Bin, "-y",
		"-f", "image2", "-vcodec", "mjpeg", "-framerate", strconv.Itoa(fps), "-i", pattern,
		"-crf", "17", "-vcodec", "libx264",
		dst)
	return err
}

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(lastLine(stderr.String())))
	}

	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ParseFrameRate parses an ffprobe rate such as "30000/1001" or "25" and
// rounds it to the nearest integer.
func ParseFrameRate(rate string) (int, error) {
	parts := strings.Split(strings.TrimSpace(rate), "/")
	if len(parts) > 2 {
		return 0, errors.Errorf("invalid frame rate %q", rate)
	}

	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid frame rate %q", rate)
	}
	den := 1.0
	if len(parts) == 2 {
		den, err = strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid frame rate %q", rate)
		}
	}
	if den == 0 {
		return 0, errors.Errorf("invalid frame rate %q: zero denominator", rate)
	}

	return int(math.Round(num / den)), nil
}
