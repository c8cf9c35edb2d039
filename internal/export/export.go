// Package export converts merged CSV artifacts into downloadable workbooks.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/ecoreservices/bulkboard/internal/dataset"
)

// XLSX renders a dataset as a single-sheet workbook. Column widths track the
// longest value seen, capped so one huge cell cannot blow up the layout.
func XLSX(ds *dataset.Dataset, sheet string) ([]byte, error) {
	if sheet == "" {
		sheet = "Results"
	}

	f := excelize.NewFile()
	defer f.Close()

	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("create sheet: %w", err)
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	if sheet != "Sheet1" {
		_ = f.DeleteSheet("Sheet1")
	}

	widths := make([]float64, len(ds.Columns))
	for i, h := range ds.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
		widths[i] = float64(len(h))
	}
	for r, row := range ds.Rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(sheet, cell, v)
			if c < len(widths) && float64(len(v)) > widths[c] {
				widths[c] = float64(len(v))
			}
		}
	}

	for i := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		w := widths[i] + 2
		if w > 60 {
			w = 60
		}
		if w < 10 {
			w = 10
		}
		_ = f.SetColWidth(sheet, col, col, w)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
