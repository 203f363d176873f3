// Package telemetry exposes the Prometheus collectors the buffering engine
// reports to, plus the HTTP handler that serves /metrics.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FilesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recording_s3_files_written",
		Help: "Count of buffer files successfully flushed to object storage, labeled by flush reason.",
	}, []string{"flush_reason"})

	WriteErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recording_s3_write_errored",
		Help: "Count of flush attempts that failed to complete an upload.",
	})

	LinesWritten = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recording_s3_lines_written_histogram",
		Help:    "Number of lines (messages) in a flushed buffer file.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	KBWritten = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recording_blob_ingestion_s3_kb_written",
		Help:    "Uncompressed kilobytes written in a flushed buffer file.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	SessionAgeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recording_blob_ingestion_session_age_seconds",
		Help:    "Age (wall clock) of a buffer at the time it was flushed.",
		Buckets: prometheus.DefBuckets,
	})

	SessionSizeKB = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recording_blob_ingestion_session_size_kb",
		Help:    "Size in kilobytes of a buffer at the time it was flushed.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	SessionLines = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recording_blob_ingestion_session_lines",
		Help:    "Line count of a buffer at the time it was flushed.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	FlushTimeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recording_blob_ingestion_session_flush_time_seconds",
		Help:    "Wall-clock duration of a flush attempt, success or failure.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		FilesWritten,
		WriteErrored,
		LinesWritten,
		KBWritten,
		SessionAgeSeconds,
		SessionSizeKB,
		SessionLines,
		FlushTimeSeconds,
	)
}

// Expose starts the Prometheus scrape endpoint on the given port.
func Expose(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
