// Package config handles loading and validating the operational
// configuration (component K in SPEC_FULL.md §6): static tuning knobs
// read from YAML at process start, distinct from the mutable catalogue
// Settings that live alongside jobs and connections.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the listen addresses for the metrics and health
// endpoints.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
	InstanceID  string `yaml:"instance_id"`
}

// RedisConfig holds the distributed-quota coordinator's Redis connection
// settings. Addr may be left empty to run without a coordinator (local
// fallback only).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PathsConfig roots every directory the core reads or writes.
type PathsConfig struct {
	CatalogueFile string `yaml:"catalogue_file"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	BufferDir     string `yaml:"buffer_dir"`
	HistoryFile   string `yaml:"history_file"`
	LogFile       string `yaml:"log_file"`
}

// DefaultsConfig holds the pool, queue and buffer tuning that main passes
// to those components at start-up. It does not seed the catalogue's
// Settings: a fresh catalogue starts from catalog.DefaultSettings.
// BufferFlushIntervalMs is not read; the buffer flushes every 10s.
type DefaultsConfig struct {
	PoolMax                  int     `yaml:"pool_max"`
	IdleCloseMs              int     `yaml:"idle_close_ms"`
	ConnectTimeoutMs         int     `yaml:"connect_timeout_ms"`
	RequestTimeoutMs         int     `yaml:"request_timeout_ms"`
	MaxConcurrentConnections int     `yaml:"max_concurrent_connections"`
	QueueMaxConcurrent       int     `yaml:"queue_max_concurrent"`
	QueueRetryDelayMs        int     `yaml:"queue_retry_delay_ms"`
	QueueBackoffMultiplier   float64 `yaml:"queue_backoff_multiplier"`
	BufferSizeThreshold      int     `yaml:"buffer_size_threshold"`
	BufferFlushIntervalMs    int     `yaml:"buffer_flush_interval_ms"`
	BufferMaxFlushAttempts   int     `yaml:"buffer_max_flush_attempts"`
}

// GoogleSheetsConfig holds the optional service-account credentials file
// used to construct the googleSheets destination adapter.
type GoogleSheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

// Config is the root operational configuration.
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Redis    RedisConfig        `yaml:"redis"`
	Paths    PathsConfig        `yaml:"paths"`
	Defaults DefaultsConfig     `yaml:"defaults"`
	Sheets   GoogleSheetsConfig `yaml:"sheets"`
}

// fileConfig mirrors the YAML structure of the operational config file.
type fileConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Redis    RedisConfig        `yaml:"redis"`
	Paths    PathsConfig        `yaml:"paths"`
	Defaults DefaultsConfig     `yaml:"defaults"`
	Sheets   GoogleSheetsConfig `yaml:"sheets"`
}

// Load reads and parses the operational config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := &Config{
		Server:   file.Server,
		Redis:    file.Redis,
		Paths:    file.Paths,
		Defaults: file.Defaults,
		Sheets:   file.Sheets,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Paths.CatalogueFile == "" {
		return fmt.Errorf("paths.catalogue_file is required")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = "0.0.0.0:9090"
	}
	if c.Server.HealthAddr == "" {
		c.Server.HealthAddr = "0.0.0.0:8080"
	}
	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Server.InstanceID = hostname
	}

	if c.Paths.CheckpointDir == "" {
		c.Paths.CheckpointDir = "data/checkpoints"
	}
	if c.Paths.BufferDir == "" {
		c.Paths.BufferDir = "data/buffer-backup"
	}
	if c.Paths.HistoryFile == "" {
		c.Paths.HistoryFile = "data/history.json"
	}
	if c.Paths.LogFile == "" {
		c.Paths.LogFile = "data/reportcore.log"
	}

	d := &c.Defaults
	if d.PoolMax == 0 {
		d.PoolMax = 10
	}
	if d.IdleCloseMs == 0 {
		d.IdleCloseMs = 5 * 60 * 1000
	}
	if d.ConnectTimeoutMs == 0 {
		d.ConnectTimeoutMs = 30 * 1000
	}
	if d.RequestTimeoutMs == 0 {
		d.RequestTimeoutMs = 300 * 1000
	}
	if d.MaxConcurrentConnections == 0 {
		d.MaxConcurrentConnections = 50
	}
	if d.QueueMaxConcurrent == 0 {
		d.QueueMaxConcurrent = 5
	}
	if d.QueueRetryDelayMs == 0 {
		d.QueueRetryDelayMs = 1000
	}
	if d.QueueBackoffMultiplier == 0 {
		d.QueueBackoffMultiplier = 2.0
	}
	if d.BufferSizeThreshold == 0 {
		d.BufferSizeThreshold = 150
	}
	if d.BufferFlushIntervalMs == 0 {
		d.BufferFlushIntervalMs = 10 * 1000
	}
	if d.BufferMaxFlushAttempts == 0 {
		d.BufferMaxFlushAttempts = 3
	}
}
