package progress

import (
	"errors"
	"testing"

	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	log, err := logging.Open(t.TempDir() + "/test.log")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return New(t.TempDir(), log, nil)
}

func TestStartJobAndConnectionLifecycle(t *testing.T) {
	s := newTestStream(t)
	s.StartJob("job1", "Nightly export", 1, false)
	s.StartConnection("job1", "conn1", "Store A")
	s.UpdateConnectionProgress("job1", "conn1", ConnectionUpdate{RowsProcessed: intPtr(10), TotalRows: intPtr(100)})
	s.CompleteConnection("job1", "conn1", 100)

	jp, ok := s.Job("job1")
	if !ok {
		t.Fatal("expected job1 to exist")
	}
	cp := jp.Connections["conn1"]
	if cp.Status != catalog.StatusCompleted {
		t.Fatalf("expected completed, got %s", cp.Status)
	}
	if cp.RowsProcessed != 100 {
		t.Fatalf("expected rows monotonic to 100, got %d", cp.RowsProcessed)
	}

	if err := s.CompleteJob("job1", true); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestCompleteJobStrictRejectsWhileRunning(t *testing.T) {
	s := newTestStream(t)
	s.StartJob("job2", "Test", 1, false)
	s.StartConnection("job2", "conn1", "Store A")

	if err := s.CompleteJob("job2", true); err == nil {
		t.Fatal("expected error completing job while a connection is running")
	}
}

func TestRowsProcessedMonotonic(t *testing.T) {
	s := newTestStream(t)
	s.StartJob("job3", "Test", 1, false)
	s.StartConnection("job3", "conn1", "Store A")
	s.UpdateConnectionProgress("job3", "conn1", ConnectionUpdate{RowsProcessed: intPtr(50)})
	s.UpdateConnectionProgress("job3", "conn1", ConnectionUpdate{RowsProcessed: intPtr(10)})

	jp, _ := s.Job("job3")
	if jp.Connections["conn1"].RowsProcessed != 50 {
		t.Fatalf("expected rows to stay at 50, got %d", jp.Connections["conn1"].RowsProcessed)
	}
}

func TestCancelJobOnlyWhenRunning(t *testing.T) {
	s := newTestStream(t)
	s.StartJob("job4", "Test", 1, false)
	if !s.CancelJob("job4") {
		t.Fatal("expected CancelJob to succeed on a running job")
	}
	if !s.IsCancellationRequested("job4") {
		t.Fatal("expected cancellation requested")
	}

	s.CancelJobComplete("job4")
	if s.CancelJob("job4") {
		t.Fatal("expected CancelJob to fail on a terminated job")
	}
}

func TestFailConnectionRecordsError(t *testing.T) {
	s := newTestStream(t)
	s.StartJob("job5", "Test", 1, false)
	s.StartConnection("job5", "conn1", "Store A")
	s.FailConnection("job5", "conn1", errors.New("connect failed"))

	jp, _ := s.Job("job5")
	if jp.Connections["conn1"].Status != catalog.StatusFailed {
		t.Fatalf("expected failed status, got %s", jp.Connections["conn1"].Status)
	}
	if jp.Connections["conn1"].Error != "connect failed" {
		t.Fatalf("expected error recorded, got %q", jp.Connections["conn1"].Error)
	}
}

func intPtr(v int) *int { return &v }
