// Package destination implements the adapter contract and concrete sinks
// a job's Destinations fan data out to: webhook/customApi over HTTP,
// googleSheets via the Sheets API, and excel/csv written to the local
// filesystem.
package destination

import (
	"context"
	"fmt"
	"time"

	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// ConnectionRows is one connection's rowset or failure, tagged for
// per-connection rendering by an adapter.
type ConnectionRows struct {
	ConnectionID   string
	ConnectionName string
	Rows           []map[string]any
	Failed         bool
	FailureMessage string
}

// Meta carries the job- and connection-level context a dispatch needs
// beyond the rows themselves, per SPEC_FULL.md §6: the job identity and
// its run, the connection a single Send targeted (left zero-valued on a
// SendMultiConnection call spanning several connections), and a reference
// to the job's settings record so an adapter can apply any
// settings-driven formatting rule without the executor hard-coding it.
type Meta struct {
	JobID    string
	JobName  string
	Group    string
	RunTime  time.Time
	RowCount int

	ConnectionID   string
	ConnectionName string
	DatabaseServer string
	Database       string
	FinancialYear  string
	Partner        string

	Settings *catalog.Settings
}

// Result is the outcome of a dispatch: Success mirrors whether Err is
// nil, Message carries a human-readable summary for history/logging, and
// Err preserves the wrapped sentinel (errs.ErrAdapterFailed and friends)
// for errors.Is checks upstream.
type Result struct {
	Success bool
	Message string
	Err     error
}

// Ok returns a successful Result carrying msg.
func Ok(msg string) Result {
	return Result{Success: true, Message: msg}
}

// Fail returns a failed Result wrapping err.
func Fail(err error) Result {
	return Result{Success: false, Message: err.Error(), Err: err}
}

// BuildMeta assembles the meta tags passed to an adapter for one dispatch.
// conn may be nil for a SendMultiConnection call spanning several
// connections at once, in which case the connection-specific fields are
// left zero-valued — each row in the payload already carries its own
// ConnectionID/ConnectionName for that case.
func BuildMeta(jobID, jobName, group string, conn *catalog.Connection, rowCount int, settings *catalog.Settings) Meta {
	m := Meta{
		JobID:    jobID,
		JobName:  jobName,
		Group:    group,
		RunTime:  time.Now(),
		RowCount: rowCount,
		Settings: settings,
	}
	if conn != nil {
		m.ConnectionID = conn.ID
		m.ConnectionName = conn.Name
		m.DatabaseServer = conn.Host
		m.Database = conn.Database
		m.FinancialYear = conn.FinancialYear
		m.Partner = conn.Partner
	}
	return m
}

// Adapter delivers rows to one configured destination.
type Adapter interface {
	// Name identifies the adapter for logging and metrics.
	Name() string
	// Send delivers a single connection's rows.
	Send(ctx context.Context, dest catalog.Destination, rows ConnectionRows, meta Meta) Result
}

// MultiSender is implemented by adapters that can deliver several
// connections' rows in a single call — used by the buffer (§4.3) and the
// executor's non-streaming dispatch (§4.4) to avoid redundant round trips.
type MultiSender interface {
	SendMultiConnection(ctx context.Context, dest catalog.Destination, rows []ConnectionRows, meta Meta) Result
}

// New constructs the adapter for dest.Type.
func New(dest catalog.Destination, sheets SheetsClient) (Adapter, error) {
	switch dest.Type {
	case catalog.DestinationWebhook, catalog.DestinationCustomAPI:
		return NewHTTPAdapter(), nil
	case catalog.DestinationGoogleSheet:
		return NewSheetsAdapter(sheets), nil
	case catalog.DestinationExcel:
		return NewExcelAdapter(), nil
	case catalog.DestinationCSV:
		return NewCSVAdapter(), nil
	default:
		return nil, fmt.Errorf("destination: unknown type %q", dest.Type)
	}
}
