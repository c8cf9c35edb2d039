// Package batch orchestrates the chunked submission flow end to end: plan,
// upload, wait, retry, merge.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecoreservices/bulkboard/internal/chunk"
	"github.com/ecoreservices/bulkboard/internal/config"
	"github.com/ecoreservices/bulkboard/internal/dataset"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/merge"
	"github.com/ecoreservices/bulkboard/internal/monitor"
	"github.com/ecoreservices/bulkboard/internal/registry"
	"github.com/ecoreservices/bulkboard/internal/storage"
	"github.com/ecoreservices/bulkboard/internal/submit"
	"github.com/ecoreservices/bulkboard/internal/tracker"
)

// Options tune one run beyond the tool defaults.
type Options struct {
	ChunkSize int    // 0 uses the configured default
	Mode      string // "" uses the tool's configured mode

	// SessionID pre-assigns the session identifier so callers can hand it
	// out before the run finishes. Runs with a preset id always go through
	// the session flow, even when the dataset fits one chunk.
	SessionID string
}

// Outcome reports a finished run.
type Outcome struct {
	Tool        string
	SessionID   string // empty on the single-job path
	JobID       string // set on the single-job path
	TotalChunks int
	Completed   int
	Attempts    map[int]int // chunk index -> submission attempts
	Merge       *merge.Result
	Status      job.Status // terminal status on the single-job path
	ResultsKey  string     // single-job path: result object, when ready
	Elapsed     time.Duration
}

// Runner drives batches for one tool.
type Runner struct {
	cfg    config.Config
	toolID string
	tool   config.ToolConfig
	store  storage.Store
	layout job.Layout
	sub    *submit.Submitter
	trk    *tracker.Tracker
	mon    *monitor.Monitor
	reg    *registry.Registry
	log    *slog.Logger

	// OnProgress, when set, receives completion counts as a run observes
	// them. Called from the runner's goroutines; implementations must be
	// safe for concurrent use.
	OnProgress func(sessionID string, completed, total int)
}

// New builds a Runner for the given tool id. A nil registry disables
// registration and Resume lookups.
func New(cfg config.Config, toolID string, store storage.Store, reg *registry.Registry) (*Runner, error) {
	tool, err := cfg.Tool(toolID)
	if err != nil {
		return nil, err
	}

	layout := job.NewLayout(tool.InputFolder, tool.ResultsFolder, tool.StatusFolder)
	trk := tracker.New(store, layout)
	return &Runner{
		cfg:    cfg,
		toolID: toolID,
		tool:   tool,
		store:  store,
		layout: layout,
		sub:    submit.New(store, layout, toolID, reg),
		trk:    trk,
		mon:    monitor.New(trk, store, cfg.Poll.Interval(), cfg.Poll.MaxWait()),
		reg:    reg,
		log:    logging.Component("batch"),
	}, nil
}

// Run processes one dataset: small ones as a single job, larger ones as a
// chunked session in the tool's mode.
func (r *Runner) Run(ctx context.Context, payload []byte, filename string, opts Options) (*Outcome, error) {
	start := time.Now()

	ds, err := dataset.ParseBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	if len(r.tool.RequiredColumns) > 0 {
		if err := ds.RequireColumns(r.tool.RequiredColumns...); err != nil {
			return nil, fmt.Errorf("dataset rejected: %w", err)
		}
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = r.cfg.Batch.ChunkSize
	}
	mode := opts.Mode
	if mode == "" {
		mode = r.tool.Mode
	}

	plan, err := chunk.Plan(ds.RowCount(), chunkSize)
	if err != nil {
		return nil, err
	}

	// Datasets that fit one chunk skip sessions entirely, unless the caller
	// pre-assigned a session id and is already pointing clients at it.
	if len(plan) == 1 && opts.SessionID == "" {
		return r.runSingle(ctx, payload, filename, start)
	}

	parts, err := chunk.Split(ds, plan)
	if err != nil {
		return nil, err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = job.NewSessionID()
	}
	log := logging.SessionLogger(correlationID(ctx), r.toolID, sessionID, len(plan))
	log.Info("starting batch",
		"rows", ds.RowCount(), "chunk_size", chunkSize, "mode", mode, "filename", filename)

	if r.reg != nil {
		entry := registry.Entry{
			ID:       sessionID,
			Kind:     registry.KindSession,
			Tool:     r.toolID,
			Prefix:   fmt.Sprintf("users/%s/", sessionID),
			Filename: job.SanitizeFilename(filename),
		}
		if err := r.reg.Put(ctx, entry); err != nil {
			log.Warn("failed to register session", "error", err)
		}
	}

	state := newSessionState(sessionID, r.toolID, mode, filename, len(plan), chunkSize, ds.RowCount())

	switch mode {
	case config.ModeJobs:
		return r.runJobs(ctx, log, state, parts, start)
	default:
		return r.runSession(ctx, log, state, parts, allIndexes(len(plan)), start)
	}
}

// runSingle is the small-dataset path: one ordinary job, one wait.
func (r *Runner) runSingle(ctx context.Context, payload []byte, filename string, start time.Time) (*Outcome, error) {
	jobID, err := r.sub.Submit(ctx, payload, filename)
	if err != nil {
		return nil, err
	}

	log := logging.JobLogger(correlationID(ctx), r.toolID, jobID)
	log.Info("dataset fits one chunk, submitted as a single job")

	st, err := r.mon.WaitForTerminal(ctx, jobID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Tool:        r.toolID,
		JobID:       jobID,
		TotalChunks: 1,
		Attempts:    map[int]int{1: 1},
		Status:      st.Status,
		Elapsed:     time.Since(start),
	}
	if st.Status == job.StatusCompleted {
		outcome.Completed = 1
		outcome.ResultsKey = st.ResultsKey
	}
	log.Info("job finished", "status", st.Status, "elapsed", outcome.Elapsed.String())
	return outcome, nil
}

// Resume re-enters a session from a fresh process: registry lookup, state
// reload, then the wait/retry/merge loop.
func (r *Runner) Resume(ctx context.Context, sessionID string) (*Outcome, error) {
	state, err := r.loadState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}

	log := logging.SessionLogger(correlationID(ctx), r.toolID, sessionID, state.TotalChunks)
	log.Info("resuming session", "mode", state.Mode, "attempts_so_far", state.Attempts)

	start := time.Now()
	switch state.Mode {
	case config.ModeJobs:
		return r.runJobs(ctx, log, state, nil, start)
	default:
		// Chunks are already on the bucket; wait first, retry only gaps.
		return r.runSession(ctx, log, state, nil, nil, start)
	}
}

// Resume looks a session up in the registry and re-enters it with a runner
// for its recorded tool.
func Resume(ctx context.Context, cfg config.Config, store storage.Store, reg *registry.Registry, sessionID string) (*Outcome, error) {
	if reg == nil {
		return nil, fmt.Errorf("resume needs a registry")
	}
	entry, err := reg.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("look up session %s: %w", sessionID, err)
	}
	if entry.Kind != registry.KindSession {
		return nil, fmt.Errorf("%s is a %s, not a session", sessionID, entry.Kind)
	}

	r, err := New(cfg, entry.Tool, store, reg)
	if err != nil {
		return nil, err
	}
	return r.Resume(ctx, sessionID)
}

func allIndexes(n int) []int {
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = i + 1
	}
	return indexes
}

// correlationID carries the caller's correlation id into the run's logs, so
// a batch started over HTTP logs under the same id as its request.
func correlationID(ctx context.Context) string {
	if id := logging.CorrelationID(ctx); id != "" {
		return id
	}
	return logging.GenerateCorrelationID()
}
