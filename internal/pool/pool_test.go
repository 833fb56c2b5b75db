package pool

import (
	"testing"

	"github.com/sqlfanout/reportcore/pkg/catalog"
)

func TestConfigDurations(t *testing.T) {
	cfg := Config{
		IdleCloseMs:      5000,
		ConnectTimeoutMs: 1000,
		RequestTimeoutMs: 2000,
	}
	if got := cfg.idleClose().Seconds(); got != 5 {
		t.Fatalf("idleClose() = %v, want 5s", got)
	}
	if got := cfg.connectTimeout().Seconds(); got != 1 {
		t.Fatalf("connectTimeout() = %v, want 1s", got)
	}
	if got := cfg.requestTimeout().Seconds(); got != 2 {
		t.Fatalf("requestTimeout() = %v, want 2s", got)
	}
}

func TestManagerMetricsEmpty(t *testing.T) {
	m := NewManager(Config{PoolMax: 5, MaxConcurrentConnections: 10}, nil, nil)
	stats := m.Metrics()
	if stats.PoolCount != 0 || stats.ActivePoolCount != 0 || stats.LiveSessions != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
	if len(stats.PerHost) != 0 {
		t.Fatalf("expected empty per-host breakdown, got %+v", stats.PerHost)
	}
}

func TestCanonicalKeyDedup(t *testing.T) {
	a := catalog.Endpoint{Host: "HOST", Port: 1433, Database: "DB", Username: "u"}
	b := catalog.Endpoint{Host: "host", Port: 1433, Database: "db", Username: "u"}
	if a.CanonicalKey() != b.CanonicalKey() {
		t.Fatalf("expected identical canonical keys, got %q vs %q", a.CanonicalKey(), b.CanonicalKey())
	}
}
