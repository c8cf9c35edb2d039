// Package metrics provides Prometheus metrics for bulkboard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for bulkboard. Its methods are safe
// on a nil receiver, so callers can go through Get unconditionally whether
// or not Init ran.
type Metrics struct {
	// Submission metrics
	JobsSubmitted   *prometheus.CounterVec
	ChunksSubmitted *prometheus.CounterVec

	// Progress metrics
	ChunksCompleted *prometheus.CounterVec
	ChunkRetries    *prometheus.CounterVec
	BatchInFlight   *prometheus.GaugeVec

	// Polling metrics
	Polls      *prometheus.CounterVec
	PollErrors *prometheus.CounterVec

	// Merge metrics
	Merges        *prometheus.CounterVec
	MergeDuration *prometheus.HistogramVec

	// Error metrics
	StorageErrors *prometheus.CounterVec
	CatalogErrors *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "bulkboard"
	}

	m := &Metrics{
		JobsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of jobs submitted",
			},
			[]string{"tool"},
		),
		ChunksSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_submitted_total",
				Help:      "Total number of chunks uploaded, resubmissions included",
			},
			[]string{"tool"},
		),
		ChunksCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_completed_total",
				Help:      "Total number of chunk completions observed",
			},
			[]string{"tool"},
		),
		ChunkRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_retries_total",
				Help:      "Total number of chunk resubmissions",
			},
			[]string{"tool"},
		),
		BatchInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_in_flight_chunks",
				Help:      "Chunks currently being uploaded",
			},
			[]string{"tool"},
		),
		Polls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of status and ledger polls",
			},
			[]string{"kind"},
		),
		PollErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_errors_total",
				Help:      "Total number of polls that failed and were retried",
			},
			[]string{"kind"},
		),
		Merges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merges_total",
				Help:      "Total number of merge runs",
			},
			[]string{"tool", "outcome"},
		),
		MergeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to merge a session's chunk results",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"tool"},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage operation errors",
			},
			[]string{"op"},
		),
		CatalogErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of catalog mirror errors",
			},
			[]string{"op"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncJobsSubmitted increments the jobs submitted counter.
func (m *Metrics) IncJobsSubmitted(tool string) {
	if m == nil {
		return
	}
	m.JobsSubmitted.WithLabelValues(tool).Inc()
}

// IncChunksSubmitted increments the chunks submitted counter.
func (m *Metrics) IncChunksSubmitted(tool string) {
	if m == nil {
		return
	}
	m.ChunksSubmitted.WithLabelValues(tool).Inc()
}

// AddChunksCompleted adds newly observed chunk completions.
func (m *Metrics) AddChunksCompleted(tool string, count float64) {
	if m == nil {
		return
	}
	m.ChunksCompleted.WithLabelValues(tool).Add(count)
}

// IncChunkRetries increments the chunk resubmission counter.
func (m *Metrics) IncChunkRetries(tool string) {
	if m == nil {
		return
	}
	m.ChunkRetries.WithLabelValues(tool).Inc()
}

// SetBatchInFlight sets the number of chunks currently uploading.
func (m *Metrics) SetBatchInFlight(tool string, n float64) {
	if m == nil {
		return
	}
	m.BatchInFlight.WithLabelValues(tool).Set(n)
}

// IncPolls increments the poll counter for a poll kind ("job" | "batch").
func (m *Metrics) IncPolls(kind string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(kind).Inc()
}

// IncPollErrors increments the failed-poll counter.
func (m *Metrics) IncPollErrors(kind string) {
	if m == nil {
		return
	}
	m.PollErrors.WithLabelValues(kind).Inc()
}

// IncMerges increments the merge counter with an outcome label
// ("ok" | "empty" | "error").
func (m *Metrics) IncMerges(tool, outcome string) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(tool, outcome).Inc()
}

// ObserveMergeDuration records how long a merge took.
func (m *Metrics) ObserveMergeDuration(tool string, seconds float64) {
	if m == nil {
		return
	}
	m.MergeDuration.WithLabelValues(tool).Observe(seconds)
}

// IncStorageErrors increments the storage error counter for an operation.
func (m *Metrics) IncStorageErrors(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

// IncCatalogErrors increments the catalog mirror error counter.
func (m *Metrics) IncCatalogErrors(op string) {
	if m == nil {
		return
	}
	m.CatalogErrors.WithLabelValues(op).Inc()
}
