package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecoreservices/bulkboard/internal/dataset"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/ledger"
	"github.com/ecoreservices/bulkboard/internal/merge"
	"github.com/ecoreservices/bulkboard/internal/metrics"
)

// runSession drives the ledger-tracked mode: upload chunk objects, watch the
// shared ledger, resubmit gaps, merge.
//
// toUpload names the chunks to (re)write before the first wait; nil means
// the chunks are already on the bucket (resume). Every retry round gets a
// fresh wait window, so the total budget is max_wait * (1 + max_retries).
func (r *Runner) runSession(ctx context.Context, log *slog.Logger, state *SessionState, parts []*dataset.Dataset, toUpload []int, start time.Time) (*Outcome, error) {
	sessionID := state.SessionID
	total := state.TotalChunks

	outcome := &Outcome{
		Tool:        r.toolID,
		SessionID:   sessionID,
		TotalChunks: total,
		Attempts:    map[int]int{},
	}

	for round := 0; ; round++ {
		if len(toUpload) > 0 {
			uploaded, err := r.uploadChunks(ctx, log, state, parts, toUpload)
			if err != nil {
				return nil, err
			}
			if uploaded == 0 {
				return nil, fmt.Errorf("no chunk of round %d could be uploaded", round)
			}
			r.saveState(ctx, state)
		}

		progress, err := r.mon.WaitForBatch(ctx, sessionID, total, func(done, totalChunks int) {
			log.Info("batch progress", "completed", done, "total", totalChunks)
			if r.OnProgress != nil {
				r.OnProgress(sessionID, done, totalChunks)
			}
		})
		if err != nil {
			return nil, err
		}
		outcome.Completed = progress.Completed

		if !progress.TimedOut {
			break
		}
		if round >= r.cfg.Batch.MaxRetries {
			log.Warn("chunks incomplete after final round",
				"completed", progress.Completed, "total", total)
			break
		}

		// Resubmit only the gaps; a fresh upload of the same chunk object
		// re-triggers the worker.
		entries, err := ledger.Read(ctx, r.store)
		if err != nil {
			log.Warn("cannot read ledger for retry decision", "error", err)
			entries = nil
		}
		completed := ledger.CompletedSet(entries, sessionID, total)
		toUpload = toUpload[:0]
		for i := 1; i <= total; i++ {
			if !completed[i] {
				toUpload = append(toUpload, i)
			}
		}
		for range toUpload {
			metrics.Get().IncChunkRetries(r.toolID)
		}
		log.Info("retrying incomplete chunks", "round", round+1, "chunks", toUpload)
	}

	for idx, n := range state.Attempts {
		outcome.Attempts[idx] = n
	}
	metrics.Get().AddChunksCompleted(r.toolID, float64(outcome.Completed))

	res, err := merge.Session(ctx, r.store, sessionID, r.toolID, total)
	if err != nil {
		return nil, fmt.Errorf("merge session %s: %w", sessionID, err)
	}
	outcome.Merge = res
	outcome.ResultsKey = res.SuccessKey
	outcome.Elapsed = time.Since(start)
	r.saveState(ctx, state)

	log.Info("batch complete",
		"completed", outcome.Completed,
		"total", total,
		"merged_rows", res.MergedRows,
		"elapsed", outcome.Elapsed.String())
	return outcome, nil
}

// uploadChunks writes the named chunk objects through a bounded pool. With
// parts it serializes fresh datasets; without (resume) it rewrites the bytes
// already on the bucket. Individual failures only warn: the wait round will
// see those chunks incomplete and the next round retries them. Only a round
// where nothing landed is an error.
func (r *Runner) uploadChunks(ctx context.Context, log *slog.Logger, state *SessionState, parts []*dataset.Dataset, indexes []int) (int, error) {
	sem := make(chan struct{}, r.cfg.Batch.MaxInFlight)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		uploaded int
		inFlight int
	)

	for _, idx := range indexes {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return uploaded, ctx.Err()
		}

		mu.Lock()
		inFlight++
		metrics.Get().SetBatchInFlight(r.toolID, float64(inFlight))
		state.Attempts[idx]++
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

			var err error
			if parts != nil {
				_, err = r.sub.SubmitChunk(ctx, state.SessionID, idx, parts[idx-1])
			} else {
				err = r.rewriteChunk(ctx, state.SessionID, idx)
			}
			if err != nil {
				log.Warn("chunk upload failed", "chunk", idx, "error", err)
				return
			}

			mu.Lock()
			uploaded++
			mu.Unlock()
		}(idx)
	}
	wg.Wait()
	return uploaded, nil
}

// rewriteChunk re-puts a chunk object byte for byte, which re-triggers the
// worker without needing the original dataset in memory.
func (r *Runner) rewriteChunk(ctx context.Context, sessionID string, idx int) error {
	key := job.ChunkKey(sessionID, idx)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reload chunk %d: %w", idx, err)
	}
	if err := r.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("rewrite chunk %d: %w", idx, err)
	}
	metrics.Get().IncChunksSubmitted(r.toolID)
	return nil
}
