// Package dataset is the in-memory CSV model shared by the chunk planner,
// the result merger, and the export surface.
package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Dataset is a parsed CSV: one header row plus data rows.
type Dataset struct {
	Columns []string
	Rows    [][]string
}

// Parse reads CSV from r. The first record is the header. Ragged rows are
// rejected.
func Parse(r io.Reader) (*Dataset, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty csv: missing header row")
	}
	return &Dataset{Columns: records[0], Rows: records[1:]}, nil
}

// ParseBytes parses CSV held in memory.
func ParseBytes(data []byte) (*Dataset, error) {
	return Parse(bytes.NewReader(data))
}

// RowCount returns the number of data rows, header excluded.
func (d *Dataset) RowCount() int {
	return len(d.Rows)
}

// Bytes serializes the dataset back to CSV.
func (d *Dataset) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(d.Columns); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(d.Rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	return buf.Bytes(), nil
}

// Slice returns the half-open data-row range [start, end) with the header
// replicated.
func (d *Dataset) Slice(start, end int) (*Dataset, error) {
	if start < 0 || end > len(d.Rows) || start >= end {
		return nil, fmt.Errorf("row range [%d,%d) out of bounds for %d rows", start, end, len(d.Rows))
	}
	return &Dataset{Columns: d.Columns, Rows: d.Rows[start:end]}, nil
}

// Append adds another dataset's rows. The headers must match exactly.
func (d *Dataset) Append(other *Dataset) error {
	if !slices.Equal(d.Columns, other.Columns) {
		return fmt.Errorf("column mismatch: %v vs %v", d.Columns, other.Columns)
	}
	d.Rows = append(d.Rows, other.Rows...)
	return nil
}

// RequireColumns returns an error naming every required column the dataset
// is missing.
func (d *Dataset) RequireColumns(names ...string) error {
	have := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		have[c] = true
	}

	var missing []string
	for _, n := range names {
		if !have[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}
