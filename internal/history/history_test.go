package history

import (
	"testing"

	"github.com/sqlfanout/reportcore/pkg/catalog"
)

func TestAppendAndList(t *testing.T) {
	s := New(t.TempDir() + "/history.json")

	if err := s.Append(catalog.HistoryRecord{ID: "1", JobID: "job1", Status: catalog.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(catalog.HistoryRecord{ID: "2", JobID: "job2", Status: catalog.StatusFailed}); err != nil {
		t.Fatal(err)
	}

	records, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	forJob, err := s.ForJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(forJob) != 1 || forJob[0].ID != "1" {
		t.Fatalf("unexpected ForJob result: %+v", forJob)
	}
}

func TestAppendEvictsOldestAtCapacity(t *testing.T) {
	s := New(t.TempDir() + "/history.json")

	for i := 0; i < MaxRecords+10; i++ {
		if err := s.Append(catalog.HistoryRecord{ID: string(rune('a' + i%26))}); err != nil {
			t.Fatal(err)
		}
	}

	records, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != MaxRecords {
		t.Fatalf("expected cap at %d, got %d", MaxRecords, len(records))
	}
}
