// Package job defines job and session identity, status states, and the
// shared bucket key layout. Every path shape here is part of the worker
// contract and must not be reshaped.
package job

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job as seen through its status record.
type Status string

const (
	// StatusUploading marks a record whose input object is still being
	// written. A record stuck here signals an interrupted submission.
	StatusUploading Status = "uploading"

	// StatusPending means the input object is in place and a worker has not
	// picked it up yet.
	StatusPending Status = "pending"

	// StatusProcessing and the two states below are worker-written.
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// StatusTimeout is synthesized client-side when polling gives up. It is
	// never written to the store.
	StatusTimeout Status = "timeout"

	// StatusNotFound is synthesized when no status record exists.
	StatusNotFound Status = "not_found"
)

// Terminal reports whether polling should stop at this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusNotFound:
		return true
	}
	return false
}

// StatusRecord is the status object at status/{job_id}_status.json.
// Timestamps are carried as opaque ISO-8601 strings: workers on the other
// side of the bucket do not reliably include a UTC offset, so nothing here
// parses them back.
type StatusRecord struct {
	JobID     string `json:"job_id"`
	Tool      string `json:"tool"`
	Status    Status `json:"status"`
	Timestamp string `json:"timestamp"`
	UpdatedAt string `json:"updated_at"`
	Error     string `json:"error,omitempty"`
}

// FormatTime renders a timestamp in the wire form used across all records.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewID returns a fresh job id: a wall-clock prefix for humans plus a random
// suffix so two submitters sharing a second cannot collide. The job_ prefix
// shape is load-bearing: workers derive result paths from it.
func NewID(now time.Time) string {
	b := make([]byte, 3)
	rand.Read(b)
	return fmt.Sprintf("job_%s_%s", now.UTC().Format("20060102_150405"), hex.EncodeToString(b))
}

// NewSessionID returns a short identifier for a chunked session.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// ChunkJobID names the per-chunk job when a tool runs chunks as independent
// jobs.
func ChunkJobID(sessionID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", sessionID, index)
}

// Layout builds the folder-configurable keys for one tool.
type Layout struct {
	inputFolder   string
	resultsFolder string
	statusFolder  string
}

// NewLayout builds a Layout, using the standard folder names for any empty
// argument.
func NewLayout(inputFolder, resultsFolder, statusFolder string) Layout {
	if inputFolder == "" {
		inputFolder = "input"
	}
	if resultsFolder == "" {
		resultsFolder = "results"
	}
	if statusFolder == "" {
		statusFolder = "status"
	}
	return Layout{
		inputFolder:   inputFolder,
		resultsFolder: resultsFolder,
		statusFolder:  statusFolder,
	}
}

// InputKey is where a job's payload lands.
func (l Layout) InputKey(jobID, filename string) string {
	return fmt.Sprintf("%s/%s_%s", l.inputFolder, jobID, SanitizeFilename(filename))
}

// StatusKey is the job's status record.
func (l Layout) StatusKey(jobID string) string {
	return fmt.Sprintf("%s/%s_status.json", l.statusFolder, jobID)
}

// ResultsKey is where the worker writes the job's result object.
func (l Layout) ResultsKey(jobID string) string {
	return fmt.Sprintf("%s/%s_results.csv", l.resultsFolder, jobID)
}

// ChunkResultsPrefix covers the per-chunk result objects a jobs-mode session
// leaves in the results folder.
func (l Layout) ChunkResultsPrefix(sessionID string) string {
	return fmt.Sprintf("%s/%s_chunk_", l.resultsFolder, sessionID)
}

// Session-scoped keys are fixed forms independent of tool folders.

// ChunkKey is the upload location for one chunk of a session.
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("users/%s/chunks/chunk_%d.csv", sessionID, index)
}

// SessionChunksPrefix covers every chunk object of a session.
func SessionChunksPrefix(sessionID string) string {
	return fmt.Sprintf("users/%s/chunks/", sessionID)
}

// SessionResultsPrefix covers every result object of a session.
func SessionResultsPrefix(sessionID string) string {
	return fmt.Sprintf("users/%s/results/", sessionID)
}

// MergedSuccessKey is the merged artifact for a session's successful rows.
func MergedSuccessKey(sessionID string) string {
	return fmt.Sprintf("users/%s/results/ALL_SUCCESS.csv", sessionID)
}

// MergedFailuresKey is the merged artifact for rows the workers rejected.
func MergedFailuresKey(sessionID string) string {
	return fmt.Sprintf("users/%s/results/ALL_FAILURES.csv", sessionID)
}

// MergeManifestKey records the merge outcome next to the artifacts.
func MergeManifestKey(sessionID string) string {
	return fmt.Sprintf("users/%s/results/merge_manifest.json", sessionID)
}

// SessionStateKey holds the runner's durable per-session state.
func SessionStateKey(sessionID string) string {
	return fmt.Sprintf("users/%s/session.json", sessionID)
}

// LedgerKey is the shared progress ledger every session appends to.
const LedgerKey = "progress.jsonl"

// RegistryPrefix covers all registry entries.
const RegistryPrefix = "registry/"

// RegistryKey is the durable lookup record for a job or session id.
func RegistryKey(id string) string {
	return fmt.Sprintf("registry/%s.json", id)
}

// RulesKey is the tool-shared processing rules document.
const RulesKey = "rules/active_rules.json"

// SanitizeFilename strips any path components so user-supplied names cannot
// escape the input folder.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload.csv"
	}
	return name
}
