// Package executor implements the Executor (component D in
// SPEC_FULL.md §4.4): drives one job run across its connections and
// queries, composing the pool manager, progress stream, data buffer and
// destination adapters.
package executor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sqlfanout/reportcore/internal/buffer"
	"github.com/sqlfanout/reportcore/internal/destination"
	"github.com/sqlfanout/reportcore/internal/errs"
	"github.com/sqlfanout/reportcore/internal/history"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/metrics"
	"github.com/sqlfanout/reportcore/internal/pool"
	"github.com/sqlfanout/reportcore/internal/progress"
	"github.com/sqlfanout/reportcore/internal/store"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// defaultQueryTimeout is the per-query ceiling when none is configured.
const defaultQueryTimeout = 300 * time.Second

// Executor runs jobs end to end.
type Executor struct {
	pools    *pool.Manager
	progress *progress.Stream
	buf      *buffer.Buffer
	history  *history.Store
	store    *store.Store
	log      *logging.Logger

	adapterFor   func(catalog.Destination) (destination.Adapter, error)
	eligible     map[catalog.DestinationType]bool
	queryTimeout time.Duration
}

// New returns an Executor wired to its collaborators. eligible may be nil
// to use the conservative streaming-eligible default. st may be nil, in
// which case dispatched meta carries no settings reference.
func New(
	pools *pool.Manager,
	progressStream *progress.Stream,
	buf *buffer.Buffer,
	hist *history.Store,
	st *store.Store,
	adapterFor func(catalog.Destination) (destination.Adapter, error),
	eligible map[catalog.DestinationType]bool,
	log *logging.Logger,
) *Executor {
	return &Executor{
		pools:        pools,
		progress:     progressStream,
		buf:          buf,
		history:      hist,
		store:        st,
		adapterFor:   adapterFor,
		eligible:     eligible,
		queryTimeout: defaultQueryTimeout,
		log:          log,
	}
}

// settings returns the catalogue's current settings record, or nil if no
// store is configured or it could not be loaded.
func (e *Executor) settings() *catalog.Settings {
	if e.store == nil {
		return nil
	}
	doc, err := e.store.Load()
	if err != nil {
		return nil
	}
	return &doc.Settings
}

// SetQueryTimeout overrides the per-query timeout (default 300s).
func (e *Executor) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		e.queryTimeout = d
	}
}

// accumEntry is one connection's outcome within a single run, tracked for
// the final non-streaming dispatch and the history record.
type accumEntry struct {
	rows    destination.ConnectionRows
	conn    catalog.Connection
	outcome catalog.ConnectionOutcome
}

// RunJob is the multi-connection entry point. It is a no-op for a
// disabled job.
func (e *Executor) RunJob(ctx context.Context, job *catalog.Job, connections []catalog.Connection) error {
	if !job.Enabled {
		return nil
	}
	return e.run(ctx, job, dedupeConnections(connections))
}

// RunJobForConnections restricts a run to subsetIDs of the job's own
// connections, used by retry-failed-subset flows.
func (e *Executor) RunJobForConnections(ctx context.Context, job *catalog.Job, connections []catalog.Connection, subsetIDs []string) error {
	if !job.Enabled {
		return nil
	}
	want := make(map[string]bool, len(subsetIDs))
	for _, id := range subsetIDs {
		want[id] = true
	}
	var subset []catalog.Connection
	for _, c := range connections {
		if want[c.ID] {
			subset = append(subset, c)
		}
	}
	return e.run(ctx, job, dedupeConnections(subset))
}

func dedupeConnections(connections []catalog.Connection) []catalog.Connection {
	seen := make(map[string]struct{}, len(connections))
	out := make([]catalog.Connection, 0, len(connections))
	for _, c := range connections {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (e *Executor) run(ctx context.Context, job *catalog.Job, connections []catalog.Connection) error {
	startedAt := time.Now()
	e.progress.StartJob(job.ID, job.Name, len(connections), false)

	settings := e.settings()

	buffering := e.jobHasEligibleDestination(job)
	if buffering {
		e.buf.StartBuffering(job.ID, job, e.eligible, settings)
	}

	entries := make([]accumEntry, 0, len(connections))

	for _, conn := range connections {
		if e.progress.IsCancellationRequested(job.ID) {
			e.finishCancelled(ctx, job, entries, startedAt)
			return errs.ErrCancelled
		}

		entries = append(entries, e.runConnection(ctx, job, conn, buffering, settings))
	}

	if buffering {
		e.buf.StopBuffering(ctx, job.ID)
	}

	if !anyRowsRetrieved(entries) {
		e.progress.FailJob(job.ID, errors.New("no data retrieved"))
		e.appendHistory(job, entries, catalog.StatusFailed, startedAt)
		return fmt.Errorf("executor: job %s: no data retrieved", job.ID)
	}

	job.LastRun = time.Now()

	if e.progress.IsCancellationRequested(job.ID) {
		e.finishCancelled(ctx, job, entries, startedAt)
		return errs.ErrCancelled
	}

	e.dispatchNonStreaming(ctx, job, entries, settings)

	if err := e.progress.CompleteJob(job.ID, true); err != nil {
		e.log.Warn().Err(err).Str("job_id", job.ID).Msg("executor: CompleteJob")
	}
	e.appendHistory(job, entries, catalog.StatusCompleted, startedAt)
	metrics.JobsTotal.WithLabelValues(job.ID, "completed").Inc()
	metrics.JobDuration.WithLabelValues(job.ID).Observe(time.Since(startedAt).Seconds())
	return nil
}

func (e *Executor) finishCancelled(ctx context.Context, job *catalog.Job, entries []accumEntry, startedAt time.Time) {
	if e.jobHasEligibleDestination(job) {
		e.buf.StopBuffering(ctx, job.ID)
	}
	e.progress.CancelJobComplete(job.ID)
	e.appendHistory(job, entries, catalog.StatusCancelled, startedAt)
	metrics.JobsTotal.WithLabelValues(job.ID, "cancelled").Inc()
}

func (e *Executor) jobHasEligibleDestination(job *catalog.Job) bool {
	for _, d := range job.Destinations {
		if catalog.StreamingEligible(d.Type, e.eligible) {
			return true
		}
	}
	return false
}

func anyRowsRetrieved(entries []accumEntry) bool {
	for _, en := range entries {
		if !en.rows.Failed && len(en.rows.Rows) > 0 {
			return true
		}
	}
	return false
}

// runConnection executes one connection's portion of a run and returns its
// accumulated outcome, regardless of success or failure.
func (e *Executor) runConnection(ctx context.Context, job *catalog.Job, conn catalog.Connection, buffering bool, settings *catalog.Settings) accumEntry {
	e.progress.StartConnection(job.ID, conn.ID, conn.Name)
	e.progress.UpdateJobStep(job.ID, "connecting")

	p, ep, err := e.acquireWithFallback(ctx, &conn)
	if err != nil {
		e.progress.FailConnection(job.ID, conn.ID, err)
		metrics.ConnectionErrors.WithLabelValues(conn.ID, "connect_failed").Inc()
		return failedEntry(conn, err)
	}
	defer e.pools.Release(ep)

	if e.progress.IsCancellationRequested(job.ID) {
		return failedEntry(conn, errs.ErrCancelled)
	}

	rows, err := e.executeQueries(ctx, job, p, conn.ID)
	if err != nil {
		e.progress.FailConnection(job.ID, conn.ID, err)
		return failedEntry(conn, err)
	}

	e.progress.UpdateConnectionProgress(job.ID, conn.ID, progress.ConnectionUpdate{
		RowsProcessed: intPtr(len(rows)),
		TotalRows:     intPtr(len(rows)),
	})

	cr := destination.ConnectionRows{ConnectionID: conn.ID, ConnectionName: conn.Name, Rows: rows}
	if buffering && len(rows) > 0 {
		e.buf.AddToBuffer(ctx, job.ID, cr, conn, settings)
	}

	e.progress.CompleteConnection(job.ID, conn.ID, len(rows))
	return accumEntry{
		rows: cr,
		conn: conn,
		outcome: catalog.ConnectionOutcome{
			ConnectionID: conn.ID, ConnectionName: conn.Name,
			Status: catalog.StatusCompleted, RowsProcessed: len(rows),
		},
	}
}

func failedEntry(conn catalog.Connection, cause error) accumEntry {
	msg := cause.Error()
	return accumEntry{
		rows: destination.ConnectionRows{
			ConnectionID: conn.ID, ConnectionName: conn.Name,
			Failed: true, FailureMessage: msg,
		},
		conn: conn,
		outcome: catalog.ConnectionOutcome{
			ConnectionID: conn.ID, ConnectionName: conn.Name,
			Status: catalog.StatusFailed, Error: msg,
		},
	}
}

func intPtr(v int) *int { return &v }

// acquireWithFallback tries the primary endpoint first, then the fallback
// if one is configured, stamping ActiveEndpointType on success.
func (e *Executor) acquireWithFallback(ctx context.Context, conn *catalog.Connection) (*pool.Pool, catalog.Endpoint, error) {
	primary := conn.PrimaryEndpoint()
	p, err := e.pools.Acquire(ctx, primary)
	if err == nil {
		conn.ActiveEndpointType = catalog.EndpointPrimary
		return p, primary, nil
	}

	fallback, ok := conn.FallbackEndpoint()
	if !ok {
		return nil, catalog.Endpoint{}, fmt.Errorf("%w: primary: %v", errs.ErrConnectFailed, err)
	}

	p, ferr := e.pools.Acquire(ctx, fallback)
	if ferr != nil {
		return nil, catalog.Endpoint{}, fmt.Errorf("%w: primary: %v; fallback: %v", errs.ErrConnectFailed, err, ferr)
	}
	conn.ActiveEndpointType = catalog.EndpointFallback
	return p, fallback, nil
}

// executeQueries runs the job's single query or, in multi-query mode,
// each named query in order, checking cancellation before each and
// tagging every row with its source query name.
func (e *Executor) executeQueries(ctx context.Context, job *catalog.Job, p *pool.Pool, connID string) ([]map[string]any, error) {
	if job.IsMultiQuery() {
		var all []map[string]any
		for _, nq := range job.Queries {
			if e.progress.IsCancellationRequested(job.ID) {
				return nil, errs.ErrCancelled
			}
			rows, err := e.runOne(ctx, p, nq.Query)
			if err != nil {
				return nil, err
			}
			for _, r := range rows {
				r["_query"] = nq.Name
			}
			all = append(all, rows...)
		}
		return all, nil
	}
	return e.runOne(ctx, p, job.Query)
}

func (e *Executor) runOne(ctx context.Context, p *pool.Pool, query string) ([]map[string]any, error) {
	timeout := p.RequestTimeout()
	if timeout <= 0 {
		timeout = e.queryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := p.DB().QueryContext(qctx, query)
	if err != nil {
		if errors.Is(qctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", errs.ErrQueryTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrQueryFailed, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrQueryFailed, err)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// dispatchNonStreaming sends the final accumulator to every destination
// that is not streaming-eligible — the streaming-eligible ones were
// already drained incrementally by the buffer.
func (e *Executor) dispatchNonStreaming(ctx context.Context, job *catalog.Job, entries []accumEntry, settings *catalog.Settings) {
	rowsByDest := make([]destination.ConnectionRows, len(entries))
	connByID := make(map[string]catalog.Connection, len(entries))
	totalRows := 0
	for i, en := range entries {
		rowsByDest[i] = en.rows
		connByID[en.rows.ConnectionID] = en.conn
		totalRows += len(en.rows.Rows)
	}

	for _, dest := range job.Destinations {
		if catalog.StreamingEligible(dest.Type, e.eligible) {
			continue
		}
		e.dispatchOne(ctx, job, dest, rowsByDest, connByID, totalRows, settings)
	}
}

func (e *Executor) dispatchOne(ctx context.Context, job *catalog.Job, dest catalog.Destination, rows []destination.ConnectionRows, connByID map[string]catalog.Connection, totalRows int, settings *catalog.Settings) {
	adapter, err := e.adapterFor(dest)
	if err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("executor: no adapter for destination")
		return
	}

	toSend := rows
	if job.Trigger.Kind == catalog.TriggerOnChange {
		toSend = e.applyChangeTrigger(job, rows)
		if len(toSend) == 0 {
			metrics.AdapterDispatches.WithLabelValues(string(dest.Type), "skipped_unchanged").Inc()
			return
		}
	}

	var result destination.Result
	if multi, ok := adapter.(destination.MultiSender); ok {
		meta := destination.BuildMeta(job.ID, job.Name, job.Group, nil, totalRows, settings)
		result = multi.SendMultiConnection(ctx, dest, toSend, meta)
	} else {
		for _, r := range toSend {
			conn := connByID[r.ConnectionID]
			meta := destination.BuildMeta(job.ID, job.Name, job.Group, &conn, len(r.Rows), settings)
			result = adapter.Send(ctx, dest, r, meta)
			if !result.Success {
				break
			}
		}
	}

	if !result.Success {
		metrics.AdapterDispatches.WithLabelValues(string(dest.Type), "failed").Inc()
		e.log.Error().Err(result.Err).Str("job_id", job.ID).Str("destination_type", string(dest.Type)).Msg("executor: dispatch failed")
		return
	}
	metrics.AdapterDispatches.WithLabelValues(string(dest.Type), "ok").Inc()
}

// applyChangeTrigger hashes the whole rowset across all connections and
// compares it with the job's stored lastHash. On a match it returns nil;
// on a mismatch it stores the new hash and returns every row unchanged.
// Connections are not compared individually.
func (e *Executor) applyChangeTrigger(job *catalog.Job, rows []destination.ConnectionRows) []destination.ConnectionRows {
	hash := contentHash(rows)
	if hash == job.Trigger.LastHash {
		return nil
	}
	job.Trigger.LastHash = hash
	return rows
}

// contentHash computes a stable SHA-256 hash over the canonical
// (sorted-field) JSON-ish representation of rows.
func contentHash(rows []destination.ConnectionRows) string {
	h := sha256.New()
	for _, cr := range rows {
		fmt.Fprintf(h, "conn=%s;failed=%v;", cr.ConnectionID, cr.Failed)
		for _, row := range cr.Rows {
			keys := make([]string, 0, len(row))
			for k := range row {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(h, "%s=%v;", k, row[k])
			}
			h.Write([]byte("\n"))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Executor) appendHistory(job *catalog.Job, entries []accumEntry, status catalog.JobStatus, startedAt time.Time) {
	record := catalog.HistoryRecord{
		ID:               uuid.NewString(),
		JobID:            job.ID,
		JobName:          job.Name,
		Status:           status,
		StartedAt:        startedAt,
		EndedAt:          time.Now(),
		TotalConnections: len(entries),
	}
	for _, en := range entries {
		record.Connections = append(record.Connections, en.outcome)
		switch en.outcome.Status {
		case catalog.StatusCompleted:
			record.CompletedConnections++
		case catalog.StatusFailed:
			record.FailedConnections++
			record.Errors = append(record.Errors, en.outcome.Error)
		}
	}
	if err := e.history.Append(record); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("executor: appending history record")
	}
}

// TestConnection attempts the primary endpoint, falling back to the
// configured fallback on failure, and stamps the active endpoint type.
func (e *Executor) TestConnection(ctx context.Context, conn *catalog.Connection) error {
	p, ep, err := e.acquireWithFallback(ctx, conn)
	if err != nil {
		return err
	}
	e.pools.Release(ep)
	_ = p
	return nil
}

// TestJob executes job's query against one connection and returns the row
// count without dispatching to any destination.
func (e *Executor) TestJob(ctx context.Context, job *catalog.Job, conn catalog.Connection) (int, error) {
	p, ep, err := e.acquireWithFallback(ctx, &conn)
	if err != nil {
		return 0, err
	}
	defer e.pools.Release(ep)

	rows, err := e.executeQueries(ctx, job, p, conn.ID)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
