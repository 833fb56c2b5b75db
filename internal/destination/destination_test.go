package destination

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sqlfanout/reportcore/pkg/catalog"
)

func TestRowsToTableHeaderAndFailure(t *testing.T) {
	rows := []ConnectionRows{
		{ConnectionID: "c1", ConnectionName: "Store A", Rows: []map[string]any{{"id": 1, "name": "x"}}},
		{ConnectionID: "c2", ConnectionName: "Store B", Failed: true, FailureMessage: "timeout"},
	}
	table := rowsToTable(rows)
	if len(table) != 3 { // header + 1 data row + 1 failure row
		t.Fatalf("expected 3 rows, got %d: %v", len(table), table)
	}
	if table[0][0] != "connection" {
		t.Fatalf("expected header row, got %v", table[0])
	}
	if table[2][1] != "timeout" {
		t.Fatalf("expected failure message in row, got %v", table[2])
	}
}

func TestHTTPAdapterSendsJSONPayload(t *testing.T) {
	var received struct {
		Meta httpMeta      `json:"meta"`
		Rows []httpPayload `json:"connections"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewHTTPAdapter()
	dest := catalog.Destination{Type: catalog.DestinationWebhook, URL: srv.URL}
	meta := Meta{JobID: "j1", JobName: "Daily totals", FinancialYear: "2026"}
	result := a.Send(context.Background(), dest, ConnectionRows{
		ConnectionID:   "c1",
		ConnectionName: "Store A",
		Rows:           []map[string]any{{"id": 1}},
	}, meta)
	if !result.Success {
		t.Fatalf("Send: %v", result.Err)
	}
	if len(received.Rows) != 1 || received.Rows[0].ConnectionID != "c1" {
		t.Fatalf("unexpected payload: %+v", received.Rows)
	}
	if received.Meta.JobID != "j1" || received.Meta.FinancialYear != "2026" {
		t.Fatalf("unexpected meta: %+v", received.Meta)
	}
}

func TestHTTPAdapterNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTPAdapter()
	dest := catalog.Destination{Type: catalog.DestinationCustomAPI, URL: srv.URL}
	result := a.Send(context.Background(), dest, ConnectionRows{ConnectionID: "c1"}, Meta{})
	if result.Success {
		t.Fatal("expected failure on 500 response")
	}
}
