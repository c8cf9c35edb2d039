// Package tracker reads and writes job status records and locates result
// artifacts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

// JobStatus is the tracker's view of one job: the status record combined
// with result availability.
type JobStatus struct {
	JobID        string     `json:"job_id"`
	Tool         string     `json:"tool,omitempty"`
	Status       job.Status `json:"status"`
	Timestamp    string     `json:"timestamp,omitempty"`
	UpdatedAt    string     `json:"updated_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	ResultsReady bool       `json:"results_ready,omitempty"`
	ResultsKey   string     `json:"results_key,omitempty"`
	ResultsURI   string     `json:"results_uri,omitempty"`
}

// Tracker answers status questions against one tool's bucket.
type Tracker struct {
	store  storage.Store
	layout job.Layout
	log    *slog.Logger
}

// New creates a Tracker over the given store and layout.
func New(store storage.Store, layout job.Layout) *Tracker {
	return &Tracker{
		store:  store,
		layout: layout,
		log:    logging.Component("tracker"),
	}
}

// Get reads a job's status. An absent record is the modeled not_found
// state, not an error. When the record says completed, Get also verifies
// the result object exists before reporting results as ready.
func (t *Tracker) Get(ctx context.Context, jobID string) (JobStatus, error) {
	var rec job.StatusRecord
	err := storage.GetJSON(ctx, t.store, t.layout.StatusKey(jobID), &rec)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return JobStatus{JobID: jobID, Status: job.StatusNotFound}, nil
		}
		return JobStatus{}, fmt.Errorf("read status for %s: %w", jobID, err)
	}

	st := JobStatus{
		JobID:     rec.JobID,
		Tool:      rec.Tool,
		Status:    rec.Status,
		Timestamp: rec.Timestamp,
		UpdatedAt: rec.UpdatedAt,
		Error:     rec.Error,
	}
	if st.JobID == "" {
		st.JobID = jobID
	}

	if rec.Status == job.StatusCompleted {
		key := t.layout.ResultsKey(jobID)
		ready, err := t.store.Exists(ctx, key)
		if err != nil {
			return JobStatus{}, fmt.Errorf("check results for %s: %w", jobID, err)
		}
		st.ResultsReady = ready
		if ready {
			st.ResultsKey = key
			st.ResultsURI = t.store.URI(key)
		} else {
			t.log.Debug("status is completed but result object is absent", "job_id", jobID)
		}
	}

	return st, nil
}

// MarkStatus writes or updates a job's status record. The creation
// timestamp of an existing record is preserved; updated_at always moves.
func (t *Tracker) MarkStatus(ctx context.Context, jobID, tool string, status job.Status, errMsg string) error {
	now := job.FormatTime(time.Now())

	rec := job.StatusRecord{
		JobID:     jobID,
		Tool:      tool,
		Status:    status,
		Timestamp: now,
		UpdatedAt: now,
		Error:     errMsg,
	}

	var prev job.StatusRecord
	if err := storage.GetJSON(ctx, t.store, t.layout.StatusKey(jobID), &prev); err == nil && prev.Timestamp != "" {
		rec.Timestamp = prev.Timestamp
	}

	if err := storage.PutJSON(ctx, t.store, t.layout.StatusKey(jobID), rec); err != nil {
		return fmt.Errorf("write status for %s: %w", jobID, err)
	}
	return nil
}

// FetchResults downloads a job's result object.
func (t *Tracker) FetchResults(ctx context.Context, jobID string) ([]byte, error) {
	data, err := t.store.Get(ctx, t.layout.ResultsKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("fetch results for %s: %w", jobID, err)
	}
	return data, nil
}
