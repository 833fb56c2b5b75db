// Package queue implements the Job Queue (component F in SPEC_FULL.md
// §4.6): a bounded-concurrency producer/consumer loop, grounded on the
// same worker-pool idiom as burrowctl's server package, with
// exponential-backoff retries whose delay is computed by retryDelay.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/metrics"
)

// Thunk is the unit of work a queued run executes.
type Thunk func(ctx context.Context) error

// Options configure one enqueued unit.
type Options struct {
	Priority   int
	MaxRetries int
}

// unit is one queued (and possibly retrying) run.
type unit struct {
	id         string
	jobID      string
	thunk      Thunk
	priority   int
	maxRetries int
	attempt    int
	seq        uint64
	isRetry    bool
}

// Config tunes the queue's concurrency and retry behaviour.
type Config struct {
	MaxConcurrent     int
	RetryDelayMs      int
	BackoffMultiplier float64
}

// Queue is the Job Queue: one ready list, a running set, and a single
// processing loop that starts as many units as MaxConcurrent permits.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	ready   []*unit
	running map[string]*unit
	seq     uint64

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	completed       atomic.Uint64
	failedPermanent atomic.Uint64
	retried         atomic.Uint64

	log *logging.Logger
}

// New returns a Queue and starts its processing loop.
func New(cfg Config, log *logging.Logger) *Queue {
	q := &Queue{
		cfg:     cfg,
		running: make(map[string]*unit),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		log:     log,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// UpdateConfig takes effect immediately; raising MaxConcurrent wakes the
// processing loop so additional units can start right away.
func (q *Queue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
	q.signal()
}

// Enqueue appends a unit of work for jobId and returns its id.
func (q *Queue) Enqueue(jobID string, thunk Thunk, opts Options) string {
	q.mu.Lock()
	q.seq++
	u := &unit{
		id:         uuid.NewString(),
		jobID:      jobID,
		thunk:      thunk,
		priority:   opts.Priority,
		maxRetries: opts.MaxRetries,
		seq:        q.seq,
	}
	q.ready = append(q.ready, u)
	depth := len(q.ready)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	q.signal()
	return u.id
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popNext removes and returns the next unit to run: retries (marked
// isRetry) jump ahead of the normal priority/FIFO ordering.
func (q *Queue) popNext() *unit {
	if len(q.ready) == 0 {
		return nil
	}

	best := 0
	for i, u := range q.ready {
		if q.ready[best].isRetry && !u.isRetry {
			continue
		}
		if u.isRetry && !q.ready[best].isRetry {
			best = i
			continue
		}
		if u.priority < q.ready[best].priority ||
			(u.priority == q.ready[best].priority && u.seq < q.ready[best].seq) {
			best = i
		}
	}

	u := q.ready[best]
	q.ready = append(q.ready[:best], q.ready[best+1:]...)
	return u
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			maxConcurrent := q.cfg.MaxConcurrent
			if maxConcurrent <= 0 {
				maxConcurrent = 1
			}
			if len(q.running) >= maxConcurrent {
				q.mu.Unlock()
				break
			}
			u := q.popNext()
			if u == nil {
				q.mu.Unlock()
				break
			}
			q.running[u.id] = u
			running := len(q.running)
			ready := len(q.ready)
			q.mu.Unlock()

			metrics.QueueRunning.Set(float64(running))
			metrics.QueueDepth.Set(float64(ready))
			q.wg.Add(1)
			go q.run(u)
		}
	}
}

func (q *Queue) run(u *unit) {
	defer q.wg.Done()
	u.attempt++

	err := u.thunk(context.Background())

	q.mu.Lock()
	delete(q.running, u.id)
	running := len(q.running)
	q.mu.Unlock()
	metrics.QueueRunning.Set(float64(running))

	if err == nil {
		metrics.QueueUnitsTotal.WithLabelValues(u.jobID, "completed").Inc()
		q.completed.Add(1)
		q.signal()
		return
	}

	if u.attempt > u.maxRetries {
		metrics.QueueUnitsTotal.WithLabelValues(u.jobID, "failedPermanent").Inc()
		q.failedPermanent.Add(1)
		q.log.Error().Err(err).Str("job_id", u.jobID).Int("attempt", u.attempt).Msg("queue: unit failed permanently")
		q.signal()
		return
	}

	q.retried.Add(1)
	delay := retryDelay(q.cfg, u.attempt)
	q.log.Warn().Err(err).Str("job_id", u.jobID).Int("attempt", u.attempt).Dur("delay", delay).Msg("queue: retrying unit")
	time.AfterFunc(delay, func() {
		u.isRetry = true
		q.mu.Lock()
		q.ready = append(q.ready, u)
		q.mu.Unlock()
		q.signal()
	})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	factor := 1.0
	for i := 1; i < attempt; i++ {
		factor *= mult
	}
	return time.Duration(float64(base) * factor)
}

// Stats summarises live queue state.
type Stats struct {
	Pending         int
	Running         int
	Completed       uint64
	FailedPermanent uint64
	Retried         uint64
}

// Metrics returns aggregate totals for the queue: current pending/running
// counts plus lifetime completed/failedPermanent/retried totals.
func (q *Queue) Metrics() Stats {
	q.mu.Lock()
	pending := len(q.ready)
	running := len(q.running)
	q.mu.Unlock()

	return Stats{
		Pending:         pending,
		Running:         running,
		Completed:       q.completed.Load(),
		FailedPermanent: q.failedPermanent.Load(),
		Retried:         q.retried.Load(),
	}
}

// GetPending returns the job ids currently waiting to run.
func (q *Queue) GetPending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.ready))
	for i, u := range q.ready {
		ids[i] = u.jobID
	}
	return ids
}

// GetRunning returns the job ids currently executing.
func (q *Queue) GetRunning() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.running))
	for _, u := range q.running {
		ids = append(ids, u.jobID)
	}
	return ids
}

// ClearPending drops every unit waiting in the ready list without
// running it.
func (q *Queue) ClearPending() {
	q.mu.Lock()
	q.ready = nil
	q.mu.Unlock()
	metrics.QueueDepth.Set(0)
}

// IsJobActive reports whether jobId has a unit currently running or
// pending — used by the scheduler to enforce per-job non-overlap.
func (q *Queue) IsJobActive(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range q.running {
		if u.jobID == jobID {
			return true
		}
	}
	for _, u := range q.ready {
		if u.jobID == jobID {
			return true
		}
	}
	return false
}

// Shutdown stops the processing loop, waiting up to timeout for running
// units to finish.
func (q *Queue) Shutdown(timeout time.Duration) error {
	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue: shutdown timeout exceeded")
	}
}
