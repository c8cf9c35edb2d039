// Package submit implements the client half of the drop-box protocol: how a
// payload becomes a visible, trackable job on the shared bucket.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/ecoreservices/bulkboard/internal/dataset"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/metrics"
	"github.com/ecoreservices/bulkboard/internal/registry"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

// Submitter writes jobs and chunks for one tool.
type Submitter struct {
	store  storage.Store
	layout job.Layout
	tool   string
	reg    *registry.Registry
	log    *slog.Logger
}

// New builds a Submitter. A nil registry skips id registration.
func New(store storage.Store, layout job.Layout, tool string, reg *registry.Registry) *Submitter {
	return &Submitter{
		store:  store,
		layout: layout,
		tool:   tool,
		reg:    reg,
		log:    logging.Component("submitter"),
	}
}

// Submit runs the submission lifecycle under a freshly generated job id.
func (s *Submitter) Submit(ctx context.Context, payload []byte, filename string) (string, error) {
	jobID := job.NewID(time.Now())
	if err := s.SubmitAs(ctx, jobID, payload, filename); err != nil {
		return "", err
	}
	return jobID, nil
}

// SubmitAs is the transactional lifecycle for making a job visible under a
// caller-chosen id. Resubmitting an existing id rewrites the input object and
// resets the record to pending, which re-triggers the worker.
//
// The order of operations is fixed and must not be changed:
//  1. Write the status record as "uploading"
//  2. Write the payload to the input folder
//  3. Flip the status record to "pending"
//  4. Register the id (best effort, catalog mirrored behind it)
//
// Workers only act on a pending record, so a failure between steps leaves an
// "uploading" record behind as an explicit inconsistency marker rather than
// a half-visible job.
func (s *Submitter) SubmitAs(ctx context.Context, jobID string, payload []byte, filename string) error {
	log := s.log.With("job_id", jobID, "tool", s.tool)
	log.Debug("starting submission", "filename", filename, "bytes", len(payload))

	now := job.FormatTime(time.Now())

	// Step 1: claim the id with an uploading record
	rec := job.StatusRecord{
		JobID:     jobID,
		Tool:      s.tool,
		Status:    job.StatusUploading,
		Timestamp: now,
		UpdatedAt: now,
	}
	statusKey := s.layout.StatusKey(jobID)
	if err := storage.PutJSON(ctx, s.store, statusKey, rec); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}

	// Step 2: write the payload
	inputKey := s.layout.InputKey(jobID, filename)
	if err := s.store.Put(ctx, inputKey, payload); err != nil {
		// The record stays "uploading", marking the interrupted submission.
		return fmt.Errorf("write input object: %w", err)
	}

	// Step 3: flip to pending; this is what workers act on
	rec.Status = job.StatusPending
	rec.UpdatedAt = job.FormatTime(time.Now())
	if err := storage.PutJSON(ctx, s.store, statusKey, rec); err != nil {
		return fmt.Errorf("mark job pending: %w", err)
	}

	// Step 4: register the id so a fresh process can find it later
	if s.reg != nil {
		entry := registry.Entry{
			ID:       jobID,
			Kind:     registry.KindJob,
			Tool:     s.tool,
			Prefix:   path.Dir(s.layout.ResultsKey(jobID)) + "/",
			Filename: job.SanitizeFilename(filename),
		}
		if err := s.reg.Put(ctx, entry); err != nil {
			log.Warn("failed to register job", "error", err)
		}
	}

	metrics.Get().IncJobsSubmitted(s.tool)
	log.Info("job submitted", "input_key", inputKey)
	return nil
}

// SubmitChunk uploads one chunk of a session. Session chunks carry no status
// record; the shared progress ledger is the tracking channel.
func (s *Submitter) SubmitChunk(ctx context.Context, sessionID string, index int, ds *dataset.Dataset) (string, error) {
	payload, err := ds.Bytes()
	if err != nil {
		return "", fmt.Errorf("serialize chunk %d: %w", index, err)
	}

	key := job.ChunkKey(sessionID, index)
	if err := s.store.Put(ctx, key, payload); err != nil {
		return "", fmt.Errorf("upload chunk %d: %w", index, err)
	}

	metrics.Get().IncChunksSubmitted(s.tool)
	s.log.Debug("chunk uploaded",
		"session_id", sessionID, "chunk", index, "rows", ds.RowCount(), "key", key)
	return key, nil
}

// Tool returns the tool id this submitter writes for.
func (s *Submitter) Tool() string { return s.tool }
