// Package buffer implements the Data Buffer (component C in
// SPEC_FULL.md §4.3): a write-behind that coalesces small per-connection
// rowsets bound for streaming-eligible destinations into bounded
// batches, with on-disk crash recovery and exponential-backoff retries.
package buffer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sqlfanout/reportcore/internal/destination"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/metrics"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// flushInterval is how often the periodic flusher runs.
const flushInterval = 10 * time.Second

// item is one connection's rowset queued in a sub-buffer, alongside the
// connection record it came from so a later flush can tag the dispatch
// with its financial-year/partner/database-server meta.
type item struct {
	Connection destination.ConnectionRows `json:"connection"`
	Conn       catalog.Connection         `json:"conn"`
}

// subBuffer accumulates items for one (jobId, destinationType) pair.
type subBuffer struct {
	mu        sync.Mutex
	key       string
	jobID     string
	jobName   string
	group     string
	dest      catalog.Destination
	items     []item
	rowCount  int
	flushing  bool
	backupDir string
	settings  *catalog.Settings
}

// Buffer owns every live sub-buffer and the periodic flusher.
type Buffer struct {
	mu      sync.Mutex
	buffers map[string]*subBuffer
	flushers map[string]chan struct{} // jobId -> stop signal

	backupDir     string
	sizeThreshold int
	maxAttempts   int
	adapterFor    func(catalog.Destination) (destination.Adapter, error)
	log           *logging.Logger
}

// New returns a Buffer backing its crash-recovery files under backupDir.
// adapterFor resolves the adapter used to flush a given destination.
func New(backupDir string, sizeThreshold, maxAttempts int, adapterFor func(catalog.Destination) (destination.Adapter, error), log *logging.Logger) *Buffer {
	return &Buffer{
		buffers:       make(map[string]*subBuffer),
		flushers:      make(map[string]chan struct{}),
		backupDir:     backupDir,
		sizeThreshold: sizeThreshold,
		maxAttempts:   maxAttempts,
		adapterFor:    adapterFor,
		log:           log,
	}
}

func subKey(jobID string, destType catalog.DestinationType) string {
	return jobID + "/" + string(destType)
}

// StartBuffering initialises one sub-buffer per eligible destination in
// job and starts a single periodic flusher for jobId. settings is
// snapshotted onto each sub-buffer for the lifetime of this run and
// carried into every flush's dispatch meta.
func (b *Buffer) StartBuffering(jobID string, job *catalog.Job, eligible map[catalog.DestinationType]bool, settings *catalog.Settings) {
	b.mu.Lock()
	for _, d := range job.Destinations {
		if !catalog.StreamingEligible(d.Type, eligible) {
			continue
		}
		key := subKey(jobID, d.Type)
		if _, ok := b.buffers[key]; ok {
			continue
		}
		b.buffers[key] = &subBuffer{
			key: key, jobID: jobID, jobName: job.Name, group: job.Group,
			dest: d, backupDir: b.backupDir, settings: settings,
		}
	}

	if _, running := b.flushers[jobID]; !running {
		stop := make(chan struct{})
		b.flushers[jobID] = stop
		go b.runFlusher(jobID, stop)
	}
	b.mu.Unlock()
}

func (b *Buffer) runFlusher(jobID string, stop chan struct{}) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, sb := range b.subBuffersForJob(jobID) {
				b.flush(context.Background(), sb)
			}
		}
	}
}

func (b *Buffer) subBuffersForJob(jobID string) []*subBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*subBuffer
	for key, sb := range b.buffers {
		if sb.jobID == jobID {
			_ = key
			out = append(out, sb)
		}
	}
	return out
}

// AddToBuffer enqueues rows into every eligible sub-buffer for jobId,
// flushing immediately when a sub-buffer's row count reaches the size
// threshold. conn and settings are carried through to the eventual
// flush's dispatch meta.
func (b *Buffer) AddToBuffer(ctx context.Context, jobID string, rows destination.ConnectionRows, conn catalog.Connection, settings *catalog.Settings) {
	for _, sb := range b.subBuffersForJob(jobID) {
		sb.mu.Lock()
		if sb.settings == nil {
			sb.settings = settings
		}
		sb.items = append(sb.items, item{Connection: rows, Conn: conn})
		sb.rowCount += len(rows.Rows)
		sb.writeBackupLocked()
		trigger := sb.rowCount >= b.sizeThreshold
		sb.mu.Unlock()

		if trigger {
			b.flush(ctx, sb)
		}
	}
}

// StopBuffering cancels jobId's periodic flusher and flushes every
// sub-buffer one last time.
func (b *Buffer) StopBuffering(ctx context.Context, jobID string) {
	b.mu.Lock()
	if stop, ok := b.flushers[jobID]; ok {
		close(stop)
		delete(b.flushers, jobID)
	}
	var toFlush []*subBuffer
	for key, sb := range b.buffers {
		if sb.jobID == jobID {
			toFlush = append(toFlush, sb)
			delete(b.buffers, key)
		}
	}
	b.mu.Unlock()

	for _, sb := range toFlush {
		b.flush(ctx, sb)
	}
}

// flush runs the flush algorithm from SPEC_FULL.md §4.3 for one sub-buffer.
func (b *Buffer) flush(ctx context.Context, sb *subBuffer) {
	sb.mu.Lock()
	if len(sb.items) == 0 || sb.flushing {
		sb.mu.Unlock()
		return
	}
	sb.flushing = true
	snapshot := make([]item, len(sb.items))
	copy(snapshot, sb.items)
	sb.mu.Unlock()

	metrics.BufferDepth.WithLabelValues(sb.jobID, string(sb.dest.Type)).Set(float64(sb.rowCount))

	adapter, err := b.adapterFor(sb.dest)
	if err != nil {
		b.log.Error().Err(err).Str("job_id", sb.jobID).Msg("buffer: no adapter for destination")
		sb.mu.Lock()
		sb.flushing = false
		sb.mu.Unlock()
		return
	}

	rows := make([]destination.ConnectionRows, len(snapshot))
	for i, it := range snapshot {
		rows[i] = it.Connection
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	boCtx := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(b.maxAttempts-1)), ctx)

	var lastResult destination.Result
	sendErr := backoff.Retry(func() error {
		if multi, ok := adapter.(destination.MultiSender); ok {
			meta := destination.BuildMeta(sb.jobID, sb.jobName, sb.group, nil, sb.rowCount, sb.settings)
			lastResult = multi.SendMultiConnection(ctx, sb.dest, rows, meta)
		} else {
			for i, r := range rows {
				meta := destination.BuildMeta(sb.jobID, sb.jobName, sb.group, &snapshot[i].Conn, len(r.Rows), sb.settings)
				lastResult = adapter.Send(ctx, sb.dest, r, meta)
				if !lastResult.Success {
					break
				}
			}
		}
		if !lastResult.Success {
			return lastResult.Err
		}
		return nil
	}, boCtx)

	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.flushing = false

	if sendErr != nil {
		// Prepend the failed items back, preserving arrival order relative
		// to anything that accumulated during the flush attempt.
		sb.items = append(append([]item{}, snapshot...), sb.items...)
		sb.writeBackupLocked()
		metrics.BufferFlushes.WithLabelValues(sb.jobID, string(sb.dest.Type), "failed").Inc()
		b.log.Warn().Err(sendErr).Str("job_id", sb.jobID).Str("destination_type", string(sb.dest.Type)).Msg("buffer: flush failed")
		return
	}

	sb.items = sb.items[len(snapshot):]
	sb.rowCount = 0
	for _, it := range sb.items {
		sb.rowCount += len(it.Connection.Rows)
	}
	sb.deleteBackupLocked()
	metrics.BufferFlushes.WithLabelValues(sb.jobID, string(sb.dest.Type), "ok").Inc()
	metrics.BufferDepth.WithLabelValues(sb.jobID, string(sb.dest.Type)).Set(float64(sb.rowCount))
}

func (sb *subBuffer) backupPath() string {
	safe := filepath.Join(sb.backupDir, sb.jobID+"_"+string(sb.dest.Type)+".json")
	return safe
}

func (sb *subBuffer) writeBackupLocked() {
	if err := os.MkdirAll(sb.backupDir, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(sb.items)
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(sb.backupDir, ".buffer-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	tmp.Close()
	os.Rename(tmpPath, sb.backupPath())
}

func (sb *subBuffer) deleteBackupLocked() {
	os.Remove(sb.backupPath())
}

// RecoverBuffers reloads every on-disk backup for jobId after a restart.
func (b *Buffer) RecoverBuffers(jobID string) error {
	entries, err := os.ReadDir(b.backupDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	prefix := jobID + "_"
	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		destType := catalog.DestinationType(name[len(prefix) : len(name)-len(filepath.Ext(name))])

		data, err := os.ReadFile(filepath.Join(b.backupDir, name))
		if err != nil {
			continue
		}
		var items []item
		if err := json.Unmarshal(data, &items); err != nil {
			continue
		}

		key := subKey(jobID, destType)
		b.mu.Lock()
		sb, ok := b.buffers[key]
		if !ok {
			sb = &subBuffer{key: key, jobID: jobID, dest: catalog.Destination{Type: destType}, backupDir: b.backupDir}
			b.buffers[key] = sb
		}
		b.mu.Unlock()

		sb.mu.Lock()
		sb.items = items
		sb.rowCount = 0
		for _, it := range items {
			sb.rowCount += len(it.Connection.Rows)
		}
		sb.mu.Unlock()
	}
	return nil
}
