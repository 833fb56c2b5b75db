// Package pool implements the Pool Manager (component A in SPEC_FULL.md
// §4.1): a map of live *sql.DB handles keyed by canonical endpoint,
// refcounted across concurrent callers and idle-closed after a
// configurable grace period once unused. A process-global connector
// semaphore, backed by the Redis coordinator with a local fallback,
// bounds the total number of in-flight session acquisitions.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/sqlfanout/reportcore/internal/coordinator"
	"github.com/sqlfanout/reportcore/internal/errs"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/metrics"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// Config tunes pools constructed from this point forward. UpdateConfig
// never reaches back into already-live entries; they keep their
// construction-time limits.
type Config struct {
	PoolMax                  int
	IdleCloseMs              int
	ConnectTimeoutMs         int
	RequestTimeoutMs         int
	MaxConcurrentConnections int
}

func (c Config) idleClose() time.Duration      { return time.Duration(c.IdleCloseMs) * time.Millisecond }
func (c Config) connectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutMs) * time.Millisecond }
func (c Config) requestTimeout() time.Duration { return time.Duration(c.RequestTimeoutMs) * time.Millisecond }

// Pool is a live database handle for one canonical endpoint.
type Pool struct {
	key  string
	host string
	db   *sql.DB
	cfg  Config
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB { return p.db }

// RequestTimeout returns the configured per-query timeout for this pool.
func (p *Pool) RequestTimeout() time.Duration { return p.cfg.requestTimeout() }

// entry wraps a Pool with the bookkeeping needed to refcount and
// idle-close it.
type entry struct {
	mu      sync.Mutex
	pool    *Pool
	refs    int
	idleTmr *time.Timer
}

// Manager owns every live pool entry.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	log     *logging.Logger
	coord   *coordinator.Coordinator

	connector string // semaphore namespace; one per deployment
}

// NewManager returns an empty Manager. coord may be nil, in which case
// the process-global semaphore bound is skipped entirely.
func NewManager(cfg Config, log *logging.Logger, coord *coordinator.Coordinator) *Manager {
	m := &Manager{
		entries:   make(map[string]*entry),
		cfg:       cfg,
		log:       log,
		coord:     coord,
		connector: "sqlserver",
	}
	if coord != nil {
		coord.SetMax(context.Background(), m.connector, cfg.MaxConcurrentConnections)
	}
	return m
}

// UpdateConfig changes the configuration used for pools constructed from
// this point on.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	if m.coord != nil {
		m.coord.SetMax(context.Background(), m.connector, cfg.MaxConcurrentConnections)
	}
}

// Acquire returns a ready pool for ep's canonical key, creating it on
// first use and cancelling any pending idle-close on reuse. The caller
// must call Release when done with the pool.
func (m *Manager) Acquire(ctx context.Context, ep catalog.Endpoint) (*Pool, error) {
	if m.coord != nil {
		if err := m.coord.Acquire(ctx, m.connector); err != nil {
			return nil, fmt.Errorf("%w: semaphore: %v", errs.ErrConnectFailed, err)
		}
	}

	key := ep.CanonicalKey()
	cfg := m.currentConfig()

	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		p, err := m.open(ctx, ep, cfg)
		if err != nil {
			m.releaseSemaphore()
			return nil, err
		}
		e = &entry{pool: p}
		m.mu.Lock()
		if existing, raced := m.entries[key]; raced {
			p.db.Close() // another caller won the race to create this entry
			e = existing
		} else {
			m.entries[key] = e
			metrics.PoolEntries.Set(float64(len(m.entries)))
		}
		m.mu.Unlock()
	}

	e.mu.Lock()
	if e.idleTmr != nil {
		e.idleTmr.Stop()
		e.idleTmr = nil
	}
	if err := e.pool.db.PingContext(ctx); err != nil {
		e.mu.Unlock()
		m.discard(key, e)

		p, rerr := m.open(ctx, ep, cfg)
		if rerr != nil {
			m.releaseSemaphore()
			return nil, rerr
		}
		fresh := &entry{pool: p, refs: 1}
		m.mu.Lock()
		m.entries[key] = fresh
		metrics.PoolEntries.Set(float64(len(m.entries)))
		m.mu.Unlock()

		metrics.ConnectionsActive.WithLabelValues(key).Set(1)
		metrics.PoolOperations.WithLabelValues("acquire", "reconnected").Inc()
		return p, nil
	}
	e.refs++
	refs := e.refs
	e.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(key).Set(float64(refs))
	metrics.PoolOperations.WithLabelValues("acquire", "ok").Inc()
	return e.pool, nil
}

func (m *Manager) releaseSemaphore() {
	if m.coord != nil {
		m.coord.Release(context.Background(), m.connector)
	}
}

func (m *Manager) currentConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Release decrements the refcount for ep's pool, arming an idle-close
// timer once it reaches zero.
func (m *Manager) Release(ep catalog.Endpoint) {
	key := ep.CanonicalKey()

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		m.releaseSemaphore()
		return
	}

	e.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	refs := e.refs
	idle := e.pool.cfg.idleClose()
	if refs == 0 && idle > 0 {
		e.idleTmr = time.AfterFunc(idle, func() { m.closeIfIdle(key, e) })
	}
	e.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(key).Set(float64(refs))
	metrics.PoolOperations.WithLabelValues("release", "ok").Inc()
	m.releaseSemaphore()
}

func (m *Manager) closeIfIdle(key string, e *entry) {
	e.mu.Lock()
	stillIdle := e.refs == 0
	e.mu.Unlock()
	if !stillIdle {
		return
	}

	m.discard(key, e)
	m.log.Debug().Str("connection_key", key).Msg("pool: idle-closed")
	metrics.PoolOperations.WithLabelValues("idle_close", "ok").Inc()
}

func (m *Manager) discard(key string, e *entry) {
	m.mu.Lock()
	if current, ok := m.entries[key]; ok && current == e {
		delete(m.entries, key)
	}
	count := len(m.entries)
	m.mu.Unlock()
	e.pool.db.Close()
	metrics.PoolEntries.Set(float64(count))
}

func (m *Manager) open(ctx context.Context, ep catalog.Endpoint, cfg Config) (*Pool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()

	db, err := sql.Open("sqlserver", ep.DSN(cfg.connectTimeout()))
	if err != nil {
		return nil, fmt.Errorf("%w: sql.Open: %v", errs.ErrConnectFailed, err)
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(dialCtx); err != nil {
		db.Close()
		metrics.ConnectionErrors.WithLabelValues(ep.CanonicalKey(), "connect_failed").Inc()
		return nil, fmt.Errorf("%w: ping: %v", errs.ErrConnectFailed, err)
	}

	return &Pool{key: ep.CanonicalKey(), host: strings.ToLower(ep.Host), db: db, cfg: cfg}, nil
}

// Stats summarises live pool state.
type Stats struct {
	PoolCount       int
	ActivePoolCount int
	LiveSessions    int
	PerHost         map[string]int // pool count, keyed by endpoint host
}

// Metrics returns aggregate totals across every live pool.
func (m *Manager) Metrics() Stats {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	stats := Stats{PoolCount: len(entries), PerHost: make(map[string]int)}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.refs > 0 {
			stats.ActivePoolCount++
		}
		stats.LiveSessions += e.refs
		stats.PerHost[e.pool.host]++
		e.mu.Unlock()
	}
	return stats
}

// DestroyAll cancels every idle timer and closes every pool. Used at
// shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.idleTmr != nil {
			e.idleTmr.Stop()
		}
		e.mu.Unlock()
		e.pool.db.Close()
	}
	metrics.PoolEntries.Set(0)
}
