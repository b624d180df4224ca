package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "timelapse"

var (
	// Events counts status messages by how the monitor handled them:
	// "decoded", "malformed" or "no_state".
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_total",
			Help:      "Status messages received, by decode result",
		},
		[]string{"result"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_dropped_total",
			Help:      "Status messages dropped because the event queue was full",
		},
	)

	DownloadsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_requested_total",
			Help:      "Download batches requested, by trigger",
		},
		[]string{"trigger"},
	)

	Batches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Completed batches, by status and failed step",
		},
		[]string{"status", "step"},
	)

	Files = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Per-file outcomes",
		},
		[]string{"outcome"},
	)

	BytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Bytes written to the download directory",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one retrieval batch",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)
