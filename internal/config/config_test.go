package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "paths:\n  catalogue_file: data/catalogue.json\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.MetricsAddr != "0.0.0.0:9090" {
		t.Fatalf("unexpected default metrics addr: %q", cfg.Server.MetricsAddr)
	}
	if cfg.Defaults.PoolMax != 10 {
		t.Fatalf("unexpected default pool max: %d", cfg.Defaults.PoolMax)
	}
	if cfg.Defaults.QueueBackoffMultiplier != 2.0 {
		t.Fatalf("unexpected default backoff multiplier: %v", cfg.Defaults.QueueBackoffMultiplier)
	}
}

func TestLoadRejectsMissingCatalogueFile(t *testing.T) {
	path := writeConfig(t, "server:\n  metrics_addr: \":9090\"\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error when paths.catalogue_file is missing")
	}
}

func TestLoadHonoursExplicitValues(t *testing.T) {
	path := writeConfig(t, `
paths:
  catalogue_file: data/catalogue.json
defaults:
  pool_max: 25
redis:
  addr: "redis:6379"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Defaults.PoolMax != 25 {
		t.Fatalf("expected explicit pool_max to be honoured, got %d", cfg.Defaults.PoolMax)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("unexpected redis addr: %q", cfg.Redis.Addr)
	}
}
