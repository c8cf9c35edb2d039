package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/ecoreservices/bulkboard/internal/config"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/ledger"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

// SessionState is the resume checkpoint for a chunked run, stored next to the
// session's chunks. It carries enough to rebuild a Runner and to know which
// chunks have been attempted how often; completion itself lives in the ledger.
type SessionState struct {
	SessionID   string      `json:"session_id"`
	Tool        string      `json:"tool"`
	Mode        string      `json:"mode"`
	Filename    string      `json:"filename,omitempty"`
	TotalChunks int         `json:"total_chunks"`
	ChunkSize   int         `json:"chunk_size"`
	TotalRows   int         `json:"total_rows"`
	Attempts    map[int]int `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func newSessionState(sessionID, tool, mode, filename string, totalChunks, chunkSize, totalRows int) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		SessionID:   sessionID,
		Tool:        tool,
		Mode:        mode,
		Filename:    filename,
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
		TotalRows:   totalRows,
		Attempts:    map[int]int{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// saveState checkpoints best effort. A lost checkpoint only degrades resume,
// never the run in progress.
func (r *Runner) saveState(ctx context.Context, state *SessionState) {
	state.UpdatedAt = time.Now().UTC()
	if err := storage.PutJSON(ctx, r.store, job.SessionStateKey(state.SessionID), state); err != nil {
		r.log.Warn("cannot checkpoint session state", "session_id", state.SessionID, "error", err)
	}
}

func (r *Runner) loadState(ctx context.Context, sessionID string) (*SessionState, error) {
	var state SessionState
	if err := storage.GetJSON(ctx, r.store, job.SessionStateKey(sessionID), &state); err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if state.Attempts == nil {
		state.Attempts = map[int]int{}
	}
	return &state, nil
}

// Progress reads a session's checkpoint and counts its completed chunks
// without touching the run itself. Session-mode completion comes from the
// ledger; jobs-mode chunks are counted by their result objects.
func Progress(ctx context.Context, store storage.Store, layout job.Layout, sessionID string) (SessionState, int, error) {
	var state SessionState
	if err := storage.GetJSON(ctx, store, job.SessionStateKey(sessionID), &state); err != nil {
		return SessionState{}, 0, err
	}

	switch state.Mode {
	case config.ModeJobs:
		keys, err := store.List(ctx, layout.ChunkResultsPrefix(sessionID))
		if err != nil {
			return state, 0, fmt.Errorf("count chunk results: %w", err)
		}
		return state, len(keys), nil
	default:
		entries, err := ledger.Read(ctx, store)
		if err != nil {
			return state, 0, fmt.Errorf("read ledger: %w", err)
		}
		return state, ledger.CountCompleted(entries, sessionID, state.TotalChunks), nil
	}
}
