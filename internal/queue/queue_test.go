package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sqlfanout/reportcore/internal/logging"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	log, err := logging.Open(t.TempDir() + "/test.log")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	q := New(cfg, log)
	t.Cleanup(func() { q.Shutdown(time.Second) })
	return q
}

func TestEnqueueRunsWithinConcurrencyLimit(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2, RetryDelayMs: 10, BackoffMultiplier: 2})

	var running int32
	var maxSeen int32
	done := make(chan struct{}, 5)

	for i := 0; i < 5; i++ {
		q.Enqueue("job", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			done <- struct{}{}
			return nil
		}, Options{MaxRetries: 0})
	}

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for units to complete")
		}
	}

	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Fatalf("expected at most 2 concurrent units, saw %d", maxSeen)
	}
}

func TestFailedUnitRetriesThenSucceeds(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, RetryDelayMs: 5, BackoffMultiplier: 1})

	var attempts int32
	done := make(chan struct{})
	q.Enqueue("job", func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, Options{MaxRetries: 5})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unit to eventually succeed")
	}

	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestFailedUnitExceedingMaxRetriesStopsRetrying(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, RetryDelayMs: 5, BackoffMultiplier: 1})

	var attempts int32
	q.Enqueue("job", func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("permanent")
	}, Options{MaxRetries: 1})

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected exactly 2 attempts (1 retry), got %d", got)
	}
}

func TestIsJobActiveReflectsPendingAndRunning(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, RetryDelayMs: 5, BackoffMultiplier: 1})

	block := make(chan struct{})
	q.Enqueue("job-a", func(ctx context.Context) error {
		<-block
		return nil
	}, Options{})
	q.Enqueue("job-b", func(ctx context.Context) error { return nil }, Options{})

	time.Sleep(50 * time.Millisecond)
	if !q.IsJobActive("job-a") {
		t.Fatal("expected job-a to be active (running)")
	}
	if !q.IsJobActive("job-b") {
		t.Fatal("expected job-b to be active (pending)")
	}
	if q.IsJobActive("job-missing") {
		t.Fatal("did not expect an unknown job to be active")
	}
	close(block)
}

func TestMetricsTracksCompletedFailedAndRetried(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, RetryDelayMs: 5, BackoffMultiplier: 1})

	var attempts int32
	done := make(chan struct{})
	q.Enqueue("job-retry", func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, Options{MaxRetries: 5})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried unit to succeed")
	}

	q.Enqueue("job-permanent", func(ctx context.Context) error {
		return errors.New("permanent")
	}, Options{MaxRetries: 0})
	time.Sleep(100 * time.Millisecond)

	stats := q.Metrics()
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed unit, got %d", stats.Completed)
	}
	if stats.Retried != 1 {
		t.Fatalf("expected 1 retried unit, got %d", stats.Retried)
	}
	if stats.FailedPermanent != 1 {
		t.Fatalf("expected 1 permanently failed unit, got %d", stats.FailedPermanent)
	}
}

func TestClearPendingDropsReadyUnits(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, RetryDelayMs: 5, BackoffMultiplier: 1})

	block := make(chan struct{})
	q.Enqueue("job-a", func(ctx context.Context) error {
		<-block
		return nil
	}, Options{})
	q.Enqueue("job-b", func(ctx context.Context) error { return nil }, Options{})
	time.Sleep(50 * time.Millisecond)

	q.ClearPending()
	if pending := q.GetPending(); len(pending) != 0 {
		t.Fatalf("expected ClearPending to empty the ready list, got %v", pending)
	}
	close(block)
}
