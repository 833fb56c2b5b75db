package executor

import (
	"testing"

	"github.com/sqlfanout/reportcore/internal/destination"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

func TestDedupeConnectionsPreservesFirstSeenOrder(t *testing.T) {
	in := []catalog.Connection{{ID: "a"}, {ID: "b"}, {ID: "a"}, {ID: "c"}}
	out := dedupeConnections(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 deduped connections, got %d", len(out))
	}
	ids := []string{out[0].ID, out[1].ID, out[2].ID}
	want := []string{"a", "b", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}
}

func TestContentHashStableAndSensitiveToChange(t *testing.T) {
	rowsA := []destination.ConnectionRows{
		{ConnectionID: "c1", Rows: []map[string]any{{"id": 1, "name": "x"}}},
	}
	rowsB := []destination.ConnectionRows{
		{ConnectionID: "c1", Rows: []map[string]any{{"name": "x", "id": 1}}},
	}
	if contentHash(rowsA) != contentHash(rowsB) {
		t.Fatal("expected field order to not affect the hash")
	}

	rowsC := []destination.ConnectionRows{
		{ConnectionID: "c1", Rows: []map[string]any{{"id": 2, "name": "x"}}},
	}
	if contentHash(rowsA) == contentHash(rowsC) {
		t.Fatal("expected differing row content to produce a different hash")
	}
}

func TestApplyChangeTriggerSkipsOnMatchingHash(t *testing.T) {
	e := &Executor{}
	job := &catalog.Job{Trigger: catalog.Trigger{Kind: catalog.TriggerOnChange}}
	rows := []destination.ConnectionRows{{ConnectionID: "c1", Rows: []map[string]any{{"id": 1}}}}

	first := e.applyChangeTrigger(job, rows)
	if len(first) != 1 {
		t.Fatal("expected first run to dispatch")
	}
	if job.Trigger.LastHash == "" {
		t.Fatal("expected lastHash to be set after first dispatch")
	}

	second := e.applyChangeTrigger(job, rows)
	if second != nil {
		t.Fatal("expected identical rows to be skipped on the second pass")
	}
}

func TestAnyRowsRetrieved(t *testing.T) {
	none := []accumEntry{{rows: destination.ConnectionRows{Failed: true}}}
	if anyRowsRetrieved(none) {
		t.Fatal("expected no rows retrieved from an all-failed set")
	}

	some := []accumEntry{
		{rows: destination.ConnectionRows{Failed: true}},
		{rows: destination.ConnectionRows{Rows: []map[string]any{{"id": 1}}}},
	}
	if !anyRowsRetrieved(some) {
		t.Fatal("expected rows retrieved when at least one connection succeeded")
	}
}
