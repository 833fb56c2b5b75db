package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sqlfanout/reportcore/internal/config"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/store"
)

func newTestChecker(t *testing.T) *Checker {
	t.Helper()
	dir := t.TempDir()

	log, err := logging.Open(dir + "/test.log")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	cfg := &config.Config{Server: config.ServerConfig{InstanceID: "test-instance"}}
	st := store.New(dir + "/catalogue.json")
	return NewChecker(cfg, st, nil, log)
}

func TestCheckReportsHealthyWithEmptyCatalogue(t *testing.T) {
	c := newTestChecker(t)

	report := c.Check(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("expected healthy report, got %+v", report)
	}
	if len(report.Components) != 1 || report.Components[0].Name != "catalogue" {
		t.Fatalf("expected a single catalogue component, got %+v", report.Components)
	}
}

func TestCheckReportsUnhealthyWhenCatalogueUnreadable(t *testing.T) {
	c := newTestChecker(t)
	if err := os.Mkdir(c.store.Path, 0o755); err != nil {
		t.Fatal(err)
	}

	report := c.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy report when catalogue path is a directory, got %+v", report)
	}
}

func TestServeHTTPLiveEndpoint(t *testing.T) {
	c := newTestChecker(t)
	server := c.ServeHTTP()
	defer server.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health/live, got %d", rec.Code)
	}
}
