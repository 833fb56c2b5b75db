package scheduler

import (
	"context"
	"testing"

	"github.com/sqlfanout/reportcore/internal/buffer"
	"github.com/sqlfanout/reportcore/internal/destination"
	"github.com/sqlfanout/reportcore/internal/executor"
	"github.com/sqlfanout/reportcore/internal/history"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/pool"
	"github.com/sqlfanout/reportcore/internal/progress"
	"github.com/sqlfanout/reportcore/internal/queue"
	"github.com/sqlfanout/reportcore/internal/store"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()

	log, err := logging.Open(dir + "/test.log")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	st := store.New(dir + "/catalogue.json")
	pools := pool.NewManager(pool.Config{PoolMax: 1, ConnectTimeoutMs: 1000, RequestTimeoutMs: 1000}, log, nil)
	prog := progress.New(dir+"/checkpoints", log, nil)
	buf := buffer.New(dir+"/buffer-backup", 150, 3, func(catalog.Destination) (destination.Adapter, error) {
		return destination.NewHTTPAdapter(), nil
	}, log)
	hist := history.New(dir + "/history.json")
	exec := executor.New(pools, prog, buf, hist, st, func(catalog.Destination) (destination.Adapter, error) {
		return destination.NewHTTPAdapter(), nil
	}, nil, log)

	q := queue.New(queue.Config{MaxConcurrent: 1, RetryDelayMs: 10, BackoffMultiplier: 2}, log)
	t.Cleanup(func() { q.Shutdown(0) })

	s := New(st, exec, q, log)
	if err := s.LoadConfig(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAddJobAssignsIDAndDedupesConnections(t *testing.T) {
	s := newTestScheduler(t)

	job, err := s.AddJob(catalog.Job{
		Name:          "report",
		ConnectionIDs: []string{"a", "a", "b"},
		Recurrence:    catalog.Recurrence{Type: catalog.RecurrenceOnce},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" {
		t.Fatal("expected AddJob to assign an id")
	}
	if len(job.ConnectionIDs) != 2 {
		t.Fatalf("expected deduped connection ids, got %v", job.ConnectionIDs)
	}
}

func TestUpdateAndDeleteJob(t *testing.T) {
	s := newTestScheduler(t)
	job, err := s.AddJob(catalog.Job{Name: "r", Recurrence: catalog.Recurrence{Type: catalog.RecurrenceOnce}})
	if err != nil {
		t.Fatal(err)
	}

	job.Name = "renamed"
	if err := s.UpdateJob(*job); err != nil {
		t.Fatal(err)
	}
	got, ok := s.GetJob(job.ID)
	if !ok || got.Name != "renamed" {
		t.Fatalf("expected updated job name, got %+v", got)
	}

	if err := s.DeleteJob(job.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetJob(job.ID); ok {
		t.Fatal("expected job to be gone after delete")
	}
}

func TestAddConnectionDedupesByCanonicalKey(t *testing.T) {
	s := newTestScheduler(t)

	first, err := s.AddConnection(catalog.Connection{Name: "a", Host: "db1", Database: "sales", Username: "u"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.AddConnection(catalog.Connection{Name: "a-renamed", Host: "DB1", Database: "SALES", Username: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected dedup to merge into the same id, got %s vs %s", first.ID, second.ID)
	}
	if len(s.GetConnections()) != 1 {
		t.Fatalf("expected exactly one connection after dedup, got %d", len(s.GetConnections()))
	}
}

func TestDuplicateConnectionBypassesDedup(t *testing.T) {
	s := newTestScheduler(t)
	orig, err := s.AddConnection(catalog.Connection{Name: "a", Host: "db1", Database: "sales", Username: "u"})
	if err != nil {
		t.Fatal(err)
	}
	dup, err := s.DuplicateConnection(orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID == orig.ID {
		t.Fatal("expected duplicate to have a distinct id")
	}
	if len(s.GetConnections()) != 2 {
		t.Fatalf("expected two distinct connections after duplicate, got %d", len(s.GetConnections()))
	}
}

func TestDeleteConnectionRefusedWhileReferenced(t *testing.T) {
	s := newTestScheduler(t)
	conn, err := s.AddConnection(catalog.Connection{Name: "a", Host: "db1", Database: "sales", Username: "u"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.AddJob(catalog.Job{
		Name:          "j",
		ConnectionIDs: []string{conn.ID},
		Recurrence:    catalog.Recurrence{Type: catalog.RecurrenceOnce},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConnection(conn.ID); err == nil {
		t.Fatal("expected delete to be refused while a job references the connection")
	}
}

func TestTaxonomyAddRemoveRoundTrip(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.AddTaxonomyValue(FieldPartners, "acme"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTaxonomyValue(FieldPartners, "acme"); err == nil {
		t.Fatal("expected duplicate taxonomy value to be refused")
	}
	if got := s.ListTaxonomyValues(FieldPartners); len(got) != 1 || got[0] != "acme" {
		t.Fatalf("unexpected taxonomy values: %v", got)
	}
	if err := s.RemoveTaxonomyValue(FieldPartners, "acme"); err != nil {
		t.Fatal(err)
	}
	if got := s.ListTaxonomyValues(FieldPartners); len(got) != 0 {
		t.Fatalf("expected empty taxonomy after remove, got %v", got)
	}
}

func TestRunJobNowRefusesWhenAlreadyActive(t *testing.T) {
	s := newTestScheduler(t)
	job, err := s.AddJob(catalog.Job{
		Name:       "j",
		Enabled:    true,
		Recurrence: catalog.Recurrence{Type: catalog.RecurrenceOnce},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Simulate an in-flight run by enqueueing a long-blocking unit directly.
	block := make(chan struct{})
	s.q.Enqueue(job.ID, func(ctx context.Context) error {
		<-block
		return nil
	}, queue.Options{})

	if err := s.RunJobNow(job.ID); err == nil {
		t.Fatal("expected RunJobNow to refuse while the job is already active")
	}
	close(block)
}
