// Package monitor polls the bulletin board until jobs and batches reach a
// terminal state.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/ledger"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/metrics"
	"github.com/ecoreservices/bulkboard/internal/storage"
	"github.com/ecoreservices/bulkboard/internal/tracker"
)

// StatusReader is the slice of the tracker the monitor needs.
type StatusReader interface {
	Get(ctx context.Context, jobID string) (tracker.JobStatus, error)
}

// Monitor polls for terminal job states and batch completion.
type Monitor struct {
	statuses StatusReader
	store    storage.Store // ledger reads in batch mode
	interval time.Duration
	maxWait  time.Duration
	log      *slog.Logger
}

// New creates a Monitor. Non-positive interval or maxWait fall back to the
// standard 5s / 300s.
func New(statuses StatusReader, store storage.Store, interval, maxWait time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 300 * time.Second
	}
	return &Monitor{
		statuses: statuses,
		store:    store,
		interval: interval,
		maxWait:  maxWait,
		log:      logging.Component("monitor"),
	}
}

// WaitForTerminal polls a job's status until the worker reports completed
// or failed, or the record turns out not to exist. When the wait budget
// runs out it returns the synthetic timeout status, which is never written
// to the store. Transport errors are logged and retried on the next tick;
// cancellation of ctx returns ctx.Err().
func (m *Monitor) WaitForTerminal(ctx context.Context, jobID string) (tracker.JobStatus, error) {
	deadline := time.NewTimer(m.maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	// First observation happens immediately, not a full tick in.
	if st, done := m.checkJob(ctx, jobID); done {
		return st, nil
	}

	for {
		select {
		case <-ctx.Done():
			return tracker.JobStatus{}, ctx.Err()
		case <-deadline.C:
			m.log.Info("wait budget exhausted", "job_id", jobID, "max_wait", m.maxWait.String())
			return tracker.JobStatus{JobID: jobID, Status: job.StatusTimeout}, nil
		case <-tick.C:
			if st, done := m.checkJob(ctx, jobID); done {
				return st, nil
			}
		}
	}
}

func (m *Monitor) checkJob(ctx context.Context, jobID string) (tracker.JobStatus, bool) {
	metrics.Get().IncPolls("job")

	st, err := m.statuses.Get(ctx, jobID)
	if err != nil {
		m.log.Warn("status poll failed", "job_id", jobID, "error", err)
		metrics.Get().IncPollErrors("job")
		return tracker.JobStatus{}, false
	}

	switch st.Status {
	case job.StatusCompleted, job.StatusFailed, job.StatusNotFound:
		return st, true
	}
	return tracker.JobStatus{}, false
}

// BatchProgress is the outcome of a batch wait.
type BatchProgress struct {
	Completed int
	Total     int
	TimedOut  bool
}

// ProgressFunc receives live progress during a batch wait.
type ProgressFunc func(completed, total int)

// WaitForBatch polls the shared progress ledger until every chunk of the
// run has a completion record or the wait budget runs out. onProgress is
// optional and fires whenever the observed count changes. Ledger read
// failures leave the last observation standing and are retried.
func (m *Monitor) WaitForBatch(ctx context.Context, runID string, totalChunks int, onProgress ProgressFunc) (BatchProgress, error) {
	deadline := time.NewTimer(m.maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	last := -1
	observe := func() (int, bool) {
		count, ok := m.countCompleted(ctx, runID, totalChunks)
		if !ok {
			return last, false
		}
		if count != last {
			if onProgress != nil {
				onProgress(count, totalChunks)
			}
			last = count
		}
		return count, count >= totalChunks
	}

	if count, done := observe(); done {
		return BatchProgress{Completed: count, Total: totalChunks}, nil
	}

	for {
		select {
		case <-ctx.Done():
			return BatchProgress{}, ctx.Err()
		case <-deadline.C:
			if last < 0 {
				last = 0
			}
			m.log.Info("batch wait budget exhausted",
				"run_id", runID, "completed", last, "total", totalChunks)
			return BatchProgress{Completed: last, Total: totalChunks, TimedOut: true}, nil
		case <-tick.C:
			if count, done := observe(); done {
				return BatchProgress{Completed: count, Total: totalChunks}, nil
			}
		}
	}
}

func (m *Monitor) countCompleted(ctx context.Context, runID string, totalChunks int) (int, bool) {
	metrics.Get().IncPolls("batch")

	entries, err := ledger.Read(ctx, m.store)
	if err != nil {
		m.log.Warn("progress ledger read failed", "run_id", runID, "error", err)
		metrics.Get().IncPollErrors("batch")
		return 0, false
	}
	return ledger.CountCompleted(entries, runID, totalChunks), true
}
