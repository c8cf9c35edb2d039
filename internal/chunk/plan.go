// Package chunk plans how a dataset splits into worker-sized chunks.
package chunk

import (
	"fmt"

	"github.com/ecoreservices/bulkboard/internal/dataset"
)

// Span is one planned chunk: a 1-based index and the half-open data-row
// range [Start, End) it covers.
type Span struct {
	Index int
	Start int
	End   int
}

// Rows returns the number of data rows in the span.
func (s Span) Rows() int {
	return s.End - s.Start
}

// Plan splits totalRows into ceil(totalRows/chunkSize) spans. Spans are
// contiguous, indexed from 1, and cover [0, totalRows) exactly; only the
// last span may hold fewer than chunkSize rows, and no span is empty.
func Plan(totalRows, chunkSize int) ([]Span, error) {
	if totalRows < 1 {
		return nil, fmt.Errorf("nothing to plan: %d rows", totalRows)
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	count := (totalRows + chunkSize - 1) / chunkSize
	spans := make([]Span, 0, count)
	for start := 0; start < totalRows; start += chunkSize {
		end := start + chunkSize
		if end > totalRows {
			end = totalRows
		}
		spans = append(spans, Span{
			Index: len(spans) + 1,
			Start: start,
			End:   end,
		})
	}
	return spans, nil
}

// Split materializes each span as its own dataset with the header
// replicated.
func Split(ds *dataset.Dataset, plan []Span) ([]*dataset.Dataset, error) {
	out := make([]*dataset.Dataset, 0, len(plan))
	for _, span := range plan {
		part, err := ds.Slice(span.Start, span.End)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", span.Index, err)
		}
		out = append(out, part)
	}
	return out, nil
}
