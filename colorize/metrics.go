package colorize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// imagesColorized counts colorized images by source: "image" or "frame".
	imagesColorized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "colorize_images_total",
		Help: "Total images colorized by source",
	}, []string{"source"})

	colorizeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "colorize_errors_total",
		Help: "Total colorization failures by stage",
	}, []string{"stage"})

	colorizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "colorize_image_duration_seconds",
		Help:    "Time to colorize one image in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	videosBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "colorize_videos_total",
		Help: "Total colorized videos built",
	})
)
