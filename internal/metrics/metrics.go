// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImagesProcessed counts terminal pipeline outcomes by status.
	ImagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "images_processed_total",
		Help: "Number of images that reached a terminal state, by status.",
	}, []string{"status"})

	// ProcessingDuration observes wall-clock pipeline duration in seconds.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_processing_duration_seconds",
		Help:    "Wall-clock duration of one image ingestion run.",
		Buckets: prometheus.DefBuckets,
	})
)
