package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecoreservices/bulkboard/internal/dataset"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/merge"
	"github.com/ecoreservices/bulkboard/internal/metrics"
)

// runJobs drives the per-chunk mode: every chunk becomes an independent job
// with its own status record, watched and retried on its own. Workers that
// only understand single jobs never notice they are part of a batch.
//
// parts carries the serialized chunks on a fresh run; nil means resume, where
// payloads are reloaded from the input objects the previous run wrote.
func (r *Runner) runJobs(ctx context.Context, log *slog.Logger, state *SessionState, parts []*dataset.Dataset, start time.Time) (*Outcome, error) {
	sessionID := state.SessionID
	total := state.TotalChunks

	chunks := make([]merge.ChunkJob, total)
	sem := make(chan struct{}, r.cfg.Batch.MaxInFlight)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inFlight int
		done     int
	)

	for i := 1; i <= total; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}

		mu.Lock()
		inFlight++
		metrics.Get().SetBatchInFlight(r.toolID, float64(inFlight))
		mu.Unlock()

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() {
				<-sem
				mu.Lock()
				inFlight--
				metrics.Get().SetBatchInFlight(r.toolID, float64(inFlight))
				mu.Unlock()
			}()

			var part *dataset.Dataset
			if parts != nil {
				part = parts[idx-1]
			}
			cj := r.runChunkJob(ctx, log, state, &mu, part, idx)
			chunks[idx-1] = cj
			if cj.Completed {
				mu.Lock()
				done++
				n := done
				mu.Unlock()
				if r.OnProgress != nil {
					r.OnProgress(sessionID, n, total)
				}
			}
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	completed := done
	metrics.Get().AddChunksCompleted(r.toolID, float64(completed))
	r.saveState(ctx, state)

	outcome := &Outcome{
		Tool:        r.toolID,
		SessionID:   sessionID,
		TotalChunks: total,
		Completed:   completed,
		Attempts:    map[int]int{},
	}
	for idx, n := range state.Attempts {
		outcome.Attempts[idx] = n
	}

	res, err := merge.Jobs(ctx, r.store, r.layout, sessionID, r.toolID, chunks)
	if err != nil {
		return nil, fmt.Errorf("merge session %s: %w", sessionID, err)
	}
	outcome.Merge = res
	outcome.ResultsKey = res.SuccessKey
	outcome.Elapsed = time.Since(start)
	r.saveState(ctx, state)

	log.Info("job batch complete",
		"completed", completed,
		"total", total,
		"merged_rows", res.MergedRows,
		"elapsed", outcome.Elapsed.String())
	return outcome, nil
}

// runChunkJob submits one chunk as a standalone job and babysits it to a
// terminal state, resubmitting under the same job id until the attempt
// budget runs out. Resubmission rewrites the input object, which re-triggers
// the worker. The budget is per run, so a resumed session retries with a
// fresh allowance; state.Attempts keeps the lifetime count.
func (r *Runner) runChunkJob(ctx context.Context, log *slog.Logger, state *SessionState, mu *sync.Mutex, part *dataset.Dataset, idx int) merge.ChunkJob {
	jobID := job.ChunkJobID(state.SessionID, idx)
	filename := fmt.Sprintf("chunk_%d.csv", idx)
	cj := merge.ChunkJob{Index: idx, JobID: jobID}
	budget := 1 + r.cfg.Batch.MaxRetries
	attempts := 0

	var payload []byte
	skipSubmit := false
	if part != nil {
		var err error
		payload, err = part.Bytes()
		if err != nil {
			log.Warn("cannot serialize chunk", "chunk", idx, "error", err)
			return cj
		}
	} else {
		// Resume: pick up wherever the previous run left this job.
		st, err := r.trk.Get(ctx, jobID)
		if err != nil {
			log.Warn("cannot read chunk status on resume", "chunk", idx, "error", err)
			return cj
		}
		switch st.Status {
		case job.StatusCompleted:
			cj.Completed = true
			return cj
		case job.StatusPending, job.StatusProcessing:
			skipSubmit = true
		}
		payload, err = r.store.Get(ctx, r.layout.InputKey(jobID, filename))
		if err != nil {
			log.Warn("chunk input object missing on resume", "chunk", idx, "error", err)
			if !skipSubmit {
				return cj
			}
			payload = nil
		}
	}

	for {
		if skipSubmit {
			skipSubmit = false
		} else {
			if attempts >= budget {
				log.Warn("chunk exhausted its attempt budget", "chunk", idx, "attempts", attempts)
				return cj
			}
			attempts++
			mu.Lock()
			state.Attempts[idx]++
			mu.Unlock()

			if err := r.sub.SubmitAs(ctx, jobID, payload, filename); err != nil {
				log.Warn("chunk submission failed", "chunk", idx, "error", err)
				if ctx.Err() != nil {
					return cj
				}
				continue
			}
		}

		st, err := r.mon.WaitForTerminal(ctx, jobID)
		if err != nil {
			log.Warn("chunk wait aborted", "chunk", idx, "error", err)
			return cj
		}
		if st.Status == job.StatusCompleted {
			cj.Completed = true
			return cj
		}

		log.Warn("chunk attempt unsuccessful", "chunk", idx, "status", st.Status, "error", st.Error)
		if payload == nil {
			log.Warn("cannot resubmit chunk without its input object", "chunk", idx)
			return cj
		}
		metrics.Get().IncChunkRetries(r.toolID)
	}
}
