package destination

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/sqlfanout/reportcore/internal/errs"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// CSVAdapter writes rows to a local CSV file, appending or overwriting
// per the destination's write mode.
type CSVAdapter struct{}

// NewCSVAdapter returns a CSVAdapter.
func NewCSVAdapter() *CSVAdapter { return &CSVAdapter{} }

func (a *CSVAdapter) Name() string { return "csv" }

func (a *CSVAdapter) Send(ctx context.Context, dest catalog.Destination, rows ConnectionRows, meta Meta) Result {
	return a.SendMultiConnection(ctx, dest, []ConnectionRows{rows}, meta)
}

func (a *CSVAdapter) SendMultiConnection(ctx context.Context, dest catalog.Destination, rows []ConnectionRows, meta Meta) Result {
	table := rowsToTable(rows)
	if len(table) == 0 {
		return Ok("nothing to write")
	}

	writeHeader := true
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if dest.FileWriteMode == catalog.WriteAppend {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if info, err := os.Stat(dest.FilePath); err == nil && info.Size() > 0 {
			writeHeader = false
		}
	}

	f, err := os.OpenFile(dest.FilePath, flags, 0o644)
	if err != nil {
		return Fail(fmt.Errorf("%w: opening %s: %v", errs.ErrAdapterFailed, dest.FilePath, err))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for i, row := range table {
		if i == 0 && !writeHeader {
			continue
		}
		record := make([]string, len(row))
		for j, cell := range row {
			record[j] = fmt.Sprint(cell)
		}
		if err := w.Write(record); err != nil {
			return Fail(fmt.Errorf("%w: %v", errs.ErrAdapterFailed, err))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Fail(fmt.Errorf("%w: %v", errs.ErrAdapterFailed, err))
	}
	return Ok(fmt.Sprintf("wrote %d row(s) for job %s to %s", len(table)-1, meta.JobName, dest.FilePath))
}
