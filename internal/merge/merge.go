// Package merge turns per-chunk worker outputs into the session-level
// artifacts callers actually download.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/ecoreservices/bulkboard/internal/dataset"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/metrics"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

// Result reports what a merge produced and where it landed.
type Result struct {
	SessionID        string
	Tool             string
	SuccessfulChunks int
	TotalChunks      int
	MergedRows       int
	FailureRows      int
	ExcludedChunks   []int
	SuccessKey       string
	FailuresKey      string
	ManifestKey      string
}

// Manifest is the JSON record written next to the merged artifacts so a
// later reader can tell how complete the merge was.
type Manifest struct {
	SessionID        string    `json:"session_id"`
	Tool             string    `json:"tool"`
	SuccessfulChunks int       `json:"successful_chunks"`
	TotalChunks      int       `json:"total_chunks"`
	MergedRows       int       `json:"merged_rows"`
	FailureRows      int       `json:"failure_rows"`
	ExcludedChunks   []int     `json:"excluded_chunks,omitempty"`
	Artifacts        []string  `json:"artifacts"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChunkJob describes one chunk of a jobs-mode session for merging.
type ChunkJob struct {
	Index     int
	JobID     string
	Completed bool
}

// Session merges the result archives workers dropped under a session's
// results prefix. Each archive is a zip holding CSV members: names containing
// "result_" carry successful rows, names containing "failures_" carry rows
// the worker rejected. Rows are concatenated in chunk order with the first
// archive's header winning; an archive whose success header disagrees is
// excluded and recorded in the manifest. Merging is deterministic over the
// same inputs, so concurrent mergers converge on identical artifacts.
func Session(ctx context.Context, store storage.Store, sessionID, tool string, totalChunks int) (*Result, error) {
	log := logging.Component("merger").With("session_id", sessionID, "tool", tool)
	start := time.Now()

	keys, err := store.List(ctx, job.SessionResultsPrefix(sessionID))
	if err != nil {
		metrics.Get().IncMerges(tool, "error")
		return nil, fmt.Errorf("list session results: %w", err)
	}

	var archives []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".zip") {
			archives = append(archives, key)
		}
	}
	sort.SliceStable(archives, func(i, j int) bool {
		return archiveIndex(archives[i]) < archiveIndex(archives[j])
	})

	var (
		success  *dataset.Dataset
		failures *dataset.Dataset
		excluded []int
		merged   int
	)
	for _, key := range archives {
		idx := archiveIndex(key)

		data, err := store.Get(ctx, key)
		if err != nil {
			log.Warn("skipping unreadable result archive", "key", key, "error", err)
			excluded = appendIndex(excluded, idx)
			continue
		}
		chunkSuccess, chunkFailures, err := readArchive(data)
		if err != nil {
			log.Warn("skipping malformed result archive", "key", key, "error", err)
			excluded = appendIndex(excluded, idx)
			continue
		}

		if chunkSuccess != nil {
			if success == nil {
				success = chunkSuccess
			} else if err := success.Append(chunkSuccess); err != nil {
				log.Warn("excluding archive with mismatched header", "key", key, "error", err)
				excluded = appendIndex(excluded, idx)
				continue
			}
		}
		if chunkFailures != nil {
			if failures == nil {
				failures = chunkFailures
			} else if err := failures.Append(chunkFailures); err != nil {
				log.Warn("dropping failures with mismatched header", "key", key, "error", err)
			}
		}
		merged++
	}

	if merged == 0 {
		metrics.Get().IncMerges(tool, "empty")
		return nil, ErrNoChunksSucceeded
	}

	res := &Result{
		SessionID:        sessionID,
		Tool:             tool,
		SuccessfulChunks: merged,
		TotalChunks:      totalChunks,
		ExcludedChunks:   excluded,
	}
	var artifacts []string

	if success != nil {
		payload, err := success.Bytes()
		if err != nil {
			metrics.Get().IncMerges(tool, "error")
			return nil, fmt.Errorf("serialize merged rows: %w", err)
		}
		key := job.MergedSuccessKey(sessionID)
		if err := store.Put(ctx, key, payload); err != nil {
			metrics.Get().IncMerges(tool, "error")
			return nil, fmt.Errorf("write merged artifact: %w", err)
		}
		res.MergedRows = success.RowCount()
		res.SuccessKey = key
		artifacts = append(artifacts, key)
	}
	if failures != nil {
		payload, err := failures.Bytes()
		if err != nil {
			metrics.Get().IncMerges(tool, "error")
			return nil, fmt.Errorf("serialize merged failures: %w", err)
		}
		key := job.MergedFailuresKey(sessionID)
		if err := store.Put(ctx, key, payload); err != nil {
			metrics.Get().IncMerges(tool, "error")
			return nil, fmt.Errorf("write failures artifact: %w", err)
		}
		res.FailureRows = failures.RowCount()
		res.FailuresKey = key
		artifacts = append(artifacts, key)
	}

	res.ManifestKey = job.MergeManifestKey(sessionID)
	if err := storage.PutJSON(ctx, store, res.ManifestKey, manifestFor(res, artifacts)); err != nil {
		metrics.Get().IncMerges(tool, "error")
		return nil, fmt.Errorf("write merge manifest: %w", err)
	}

	metrics.Get().IncMerges(tool, "ok")
	metrics.Get().ObserveMergeDuration(tool, time.Since(start).Seconds())
	log.Info("merge complete",
		"successful_chunks", res.SuccessfulChunks,
		"total_chunks", res.TotalChunks,
		"merged_rows", res.MergedRows,
		"failure_rows", res.FailureRows,
		"excluded", len(res.ExcludedChunks))
	return res, nil
}

// Jobs merges a jobs-mode session, where every chunk ran as an independent
// job with its own result object. Only completed chunks contribute; the rest
// are excluded and the manifest ratio reflects it. The combined artifact goes
// to the session's deterministic results key.
func Jobs(ctx context.Context, store storage.Store, layout job.Layout, sessionID, tool string, chunks []ChunkJob) (*Result, error) {
	log := logging.Component("merger").With("session_id", sessionID, "tool", tool)
	start := time.Now()

	ordered := make([]ChunkJob, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var (
		combined *dataset.Dataset
		excluded []int
		merged   int
	)
	for _, c := range ordered {
		if !c.Completed {
			excluded = appendIndex(excluded, c.Index)
			continue
		}
		data, err := store.Get(ctx, layout.ResultsKey(c.JobID))
		if err != nil {
			log.Warn("completed chunk has no readable result", "chunk", c.Index, "job_id", c.JobID, "error", err)
			excluded = appendIndex(excluded, c.Index)
			continue
		}
		part, err := dataset.ParseBytes(data)
		if err != nil {
			log.Warn("skipping unparseable chunk result", "chunk", c.Index, "job_id", c.JobID, "error", err)
			excluded = appendIndex(excluded, c.Index)
			continue
		}
		if combined == nil {
			combined = part
		} else if err := combined.Append(part); err != nil {
			log.Warn("excluding chunk with mismatched header", "chunk", c.Index, "error", err)
			excluded = appendIndex(excluded, c.Index)
			continue
		}
		merged++
	}

	if merged == 0 {
		metrics.Get().IncMerges(tool, "empty")
		return nil, ErrNoChunksSucceeded
	}

	payload, err := combined.Bytes()
	if err != nil {
		metrics.Get().IncMerges(tool, "error")
		return nil, fmt.Errorf("serialize merged rows: %w", err)
	}
	key := layout.ResultsKey(sessionID)
	if err := store.Put(ctx, key, payload); err != nil {
		metrics.Get().IncMerges(tool, "error")
		return nil, fmt.Errorf("write merged artifact: %w", err)
	}

	res := &Result{
		SessionID:        sessionID,
		Tool:             tool,
		SuccessfulChunks: merged,
		TotalChunks:      len(chunks),
		MergedRows:       combined.RowCount(),
		ExcludedChunks:   excluded,
		SuccessKey:       key,
		ManifestKey:      job.MergeManifestKey(sessionID),
	}
	if err := storage.PutJSON(ctx, store, res.ManifestKey, manifestFor(res, []string{key})); err != nil {
		metrics.Get().IncMerges(tool, "error")
		return nil, fmt.Errorf("write merge manifest: %w", err)
	}

	metrics.Get().IncMerges(tool, "ok")
	metrics.Get().ObserveMergeDuration(tool, time.Since(start).Seconds())
	log.Info("merge complete",
		"successful_chunks", res.SuccessfulChunks,
		"total_chunks", res.TotalChunks,
		"merged_rows", res.MergedRows,
		"excluded", len(res.ExcludedChunks))
	return res, nil
}

// readArchive extracts one archive's success and failures CSVs. Members of
// each class are combined archive-locally so a bad archive never leaves
// partial rows in the caller's accumulators.
func readArchive(data []byte) (success, failures *dataset.Dataset, err error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	for _, member := range zr.File {
		base := path.Base(member.Name)
		if !strings.HasSuffix(base, ".csv") {
			continue
		}
		var into **dataset.Dataset
		switch {
		case strings.Contains(base, "result_"):
			into = &success
		case strings.Contains(base, "failures_"):
			into = &failures
		default:
			continue
		}
		part, err := readMember(member)
		if err != nil {
			return nil, nil, fmt.Errorf("member %s: %w", member.Name, err)
		}
		if *into == nil {
			*into = part
		} else if err := (*into).Append(part); err != nil {
			return nil, nil, fmt.Errorf("member %s: %w", member.Name, err)
		}
	}
	return success, failures, nil
}

func readMember(f *zip.File) (*dataset.Dataset, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open member: %w", err)
	}
	defer rc.Close()
	return dataset.Parse(rc)
}

var archiveIndexPattern = regexp.MustCompile(`(\d+)\.zip$`)

// archiveIndex pulls the chunk index out of an archive name like
// scrape_results_3.zip. Archives without one sort after the numbered ones in
// their listing order.
func archiveIndex(key string) int {
	m := archiveIndexPattern.FindStringSubmatch(path.Base(key))
	if m == nil {
		return 1 << 30
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1 << 30
	}
	return n
}

func appendIndex(indexes []int, idx int) []int {
	if idx <= 0 || idx >= 1<<30 {
		return indexes
	}
	return append(indexes, idx)
}

func manifestFor(res *Result, artifacts []string) Manifest {
	return Manifest{
		SessionID:        res.SessionID,
		Tool:             res.Tool,
		SuccessfulChunks: res.SuccessfulChunks,
		TotalChunks:      res.TotalChunks,
		MergedRows:       res.MergedRows,
		FailureRows:      res.FailureRows,
		ExcludedChunks:   res.ExcludedChunks,
		Artifacts:        artifacts,
		CreatedAt:        time.Now().UTC(),
	}
}

// ErrNoChunksSucceeded means nothing merged: no archive or completed chunk
// contributed any rows. Nothing is written in that case.
var ErrNoChunksSucceeded = errors.New("no chunks processed successfully")
