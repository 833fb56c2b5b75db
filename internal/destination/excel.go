package destination

import (
	"context"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/sqlfanout/reportcore/internal/errs"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// ExcelAdapter writes rows to the first sheet ("Sheet1") of a local .xlsx
// workbook.
type ExcelAdapter struct{}

// NewExcelAdapter returns an ExcelAdapter.
func NewExcelAdapter() *ExcelAdapter { return &ExcelAdapter{} }

func (a *ExcelAdapter) Name() string { return "excel" }

func (a *ExcelAdapter) Send(ctx context.Context, dest catalog.Destination, rows ConnectionRows, meta Meta) Result {
	return a.SendMultiConnection(ctx, dest, []ConnectionRows{rows}, meta)
}

func (a *ExcelAdapter) SendMultiConnection(ctx context.Context, dest catalog.Destination, rows []ConnectionRows, meta Meta) Result {
	table := rowsToTable(rows)
	if len(table) == 0 {
		return Ok("nothing to write")
	}

	f, existing, err := openOrCreateWorkbook(dest.FilePath)
	if err != nil {
		return Fail(fmt.Errorf("%w: %v", errs.ErrAdapterFailed, err))
	}
	defer f.Close()

	const sheetName = "Sheet1"
	startRow := 1
	if dest.FileWriteMode == catalog.WriteAppend && existing {
		startRow = nextFreeRow(f, sheetName)
	} else {
		f.NewSheet(sheetName)
		f.DeleteSheet("Sheet1")
		f.SetSheetName(f.GetSheetList()[0], sheetName)
	}

	for i, row := range table {
		for j, cell := range row {
			ref, err := excelize.CoordinatesToCellName(j+1, startRow+i)
			if err != nil {
				return Fail(fmt.Errorf("%w: %v", errs.ErrAdapterFailed, err))
			}
			if err := f.SetCellValue(sheetName, ref, cell); err != nil {
				return Fail(fmt.Errorf("%w: %v", errs.ErrAdapterFailed, err))
			}
		}
	}

	if err := f.SaveAs(dest.FilePath); err != nil {
		return Fail(fmt.Errorf("%w: %v", errs.ErrAdapterFailed, err))
	}
	return Ok(fmt.Sprintf("wrote %d row(s) for job %s to %s", len(table)-1, meta.JobName, dest.FilePath))
}

func openOrCreateWorkbook(path string) (*excelize.File, bool, error) {
	if _, err := os.Stat(path); err == nil {
		f, err := excelize.OpenFile(path)
		return f, true, err
	}
	return excelize.NewFile(), false, nil
}

func nextFreeRow(f *excelize.File, sheet string) int {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 1
	}
	return len(rows) + 1
}
