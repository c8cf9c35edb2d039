// Package ledger reads and appends the shared chunk-progress ledger.
//
// The ledger is a single object that multiple workers append JSON records
// to without coordination, so adjacent records may arrive with a newline,
// whitespace, or nothing at all between them. Parsing repairs the record
// boundaries rather than assuming well-formed JSONL.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

// Entry is one progress record appended by a worker.
type Entry struct {
	RunID      string `json:"run_id"`
	ChunkIndex int    `json:"chunk_index"`
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp,omitempty"`
	Worker     string `json:"worker,omitempty"`
	Error      string `json:"error,omitempty"`
}

var recordBoundary = regexp.MustCompile(`}\s*{`)

// Parse decodes raw ledger bytes. Records concatenated without separators
// parse the same as newline-delimited ones.
func Parse(raw []byte) ([]Entry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}

	joined := recordBoundary.ReplaceAllString(trimmed, "},{")

	var entries []Entry
	if err := json.Unmarshal([]byte("["+joined+"]"), &entries); err != nil {
		return nil, fmt.Errorf("parse progress ledger: %w", err)
	}
	return entries, nil
}

// Read fetches and parses the shared ledger. A missing ledger object means
// no progress yet, not an error.
func Read(ctx context.Context, store storage.Store) ([]Entry, error) {
	raw, err := store.Get(ctx, job.LedgerKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return Parse(raw)
}

// CountCompleted returns how many distinct chunks of the run have
// completed. Duplicate completion records and records for other runs are
// ignored; the count never exceeds totalChunks.
func CountCompleted(entries []Entry, runID string, totalChunks int) int {
	return len(CompletedSet(entries, runID, totalChunks))
}

// CompletedSet returns the distinct completed chunk indexes of the run,
// limited to the valid range [1, totalChunks].
func CompletedSet(entries []Entry, runID string, totalChunks int) map[int]bool {
	done := make(map[int]bool)
	for _, e := range entries {
		if e.RunID != runID || e.Status != "completed" {
			continue
		}
		if e.ChunkIndex < 1 || e.ChunkIndex > totalChunks {
			continue
		}
		done[e.ChunkIndex] = true
	}
	return done
}

// FailedSet returns chunk indexes the run has a failed record for and no
// completed record. A later success supersedes an earlier failure.
func FailedSet(entries []Entry, runID string, totalChunks int) map[int]bool {
	done := CompletedSet(entries, runID, totalChunks)

	failed := make(map[int]bool)
	for _, e := range entries {
		if e.RunID != runID || e.Status != "failed" {
			continue
		}
		if e.ChunkIndex < 1 || e.ChunkIndex > totalChunks {
			continue
		}
		if !done[e.ChunkIndex] {
			failed[e.ChunkIndex] = true
		}
	}
	return failed
}

// Append adds one record to the shared ledger. The bulletin-board store has
// no atomic append, so this is read-concatenate-write; readers tolerate the
// torn interleavings that can produce.
func Append(ctx context.Context, store storage.Store, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	existing, err := store.Get(ctx, job.LedgerKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	buf := make([]byte, 0, len(existing)+len(line)+2)
	buf = append(buf, existing...)
	if len(buf) > 0 && buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	return store.Put(ctx, job.LedgerKey, buf)
}
