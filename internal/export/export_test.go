package export

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/ecoreservices/bulkboard/internal/dataset"
)

func TestXLSXRoundTrip(t *testing.T) {
	ds := &dataset.Dataset{
		Columns: []string{"name", "email"},
		Rows: [][]string{
			{"alice", "a@x.io"},
			{"bob", "b@x.io"},
		},
	}

	out, err := XLSX(ds, "Results")
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Results")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "name" || rows[0][1] != "email" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "alice" || rows[2][1] != "b@x.io" {
		t.Errorf("data rows = %v", rows[1:])
	}
}

func TestXLSXHeaderOnly(t *testing.T) {
	ds := &dataset.Dataset{Columns: []string{"v"}}

	out, err := XLSX(ds, "")
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Results")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 1 || rows[0][0] != "v" {
		t.Errorf("rows = %v, want just the header", rows)
	}
}

func TestXLSXSingleSheet(t *testing.T) {
	ds := &dataset.Dataset{Columns: []string{"v"}, Rows: [][]string{{"x"}}}

	out, err := XLSX(ds, "Merged")
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 1 || sheets[0] != "Merged" {
		t.Errorf("sheets = %v, want only Merged", sheets)
	}
}
