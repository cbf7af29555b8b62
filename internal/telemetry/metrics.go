package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Prometheus collectors shared by the API and worker processes. Kind
// labels separate the image and video pipelines.
var (
	BatchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_batches_submitted_total",
		Help: "Batches accepted by the submission handler.",
	})
	BatchesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_batches_rejected_total",
		Help: "Batches rejected by validation.",
	})
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_completed_total",
		Help: "Jobs finished successfully.",
	}, []string{"kind"})
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_failed_total",
		Help: "Jobs that reached terminal failure.",
	}, []string{"kind"})
	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_retried_total",
		Help: "Job attempts scheduled for retry.",
	}, []string{"kind"})
	JobsStalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_stalled_total",
		Help: "Leases reclaimed after missing their deadline.",
	}, []string{"kind"})
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_items_processed_total",
		Help: "Individual media items processed, by outcome.",
	}, []string{"kind", "outcome"})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "media_queue_depth",
		Help: "Jobs waiting in the ready queue.",
	}, []string{"kind"})
	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "media_jobs_in_flight",
		Help: "Jobs currently leased by a worker.",
	}, []string{"kind"})
	ItemDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_item_duration_seconds",
		Help:    "Wall time to transform one media item.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind"})
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_upload_bytes_total",
		Help: "Bytes accepted by the upload pipeline.",
	})
	ArtifactsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_artifacts_swept_total",
		Help: "Artifact directories removed by the TTL sweep.",
	})
)
