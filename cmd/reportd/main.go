// Package main is the entrypoint for reportd, the report scheduling and
// execution core. It loads configuration, wires every component, and
// runs until a shutdown signal is received.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sqlfanout/reportcore/internal/buffer"
	"github.com/sqlfanout/reportcore/internal/config"
	"github.com/sqlfanout/reportcore/internal/coordinator"
	"github.com/sqlfanout/reportcore/internal/destination"
	"github.com/sqlfanout/reportcore/internal/executor"
	"github.com/sqlfanout/reportcore/internal/health"
	"github.com/sqlfanout/reportcore/internal/history"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/pool"
	"github.com/sqlfanout/reportcore/internal/progress"
	"github.com/sqlfanout/reportcore/internal/queue"
	"github.com/sqlfanout/reportcore/internal/scheduler"
	"github.com/sqlfanout/reportcore/internal/store"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

var configPath = flag.String("config", "configs/reportd.yaml", "Path to the operational configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting reportd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: catalogue=%s instance=%s", cfg.Paths.CatalogueFile, cfg.Server.InstanceID)

	appLog, err := logging.Open(cfg.Paths.LogFile)
	if err != nil {
		log.Fatalf("[main] Failed to open application log: %v", err)
	}
	defer appLog.Close()

	// ─── Metrics HTTP server (Prometheus scrape endpoint) ─────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         cfg.Server.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on %s/metrics", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Redis coordinator (optional) ──────────────────────────────────
	var coord *coordinator.Coordinator
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		coord = coordinator.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, appLog)
		cancel()
		if coord.IsFallback() {
			log.Println("[main] Coordinator started in FALLBACK mode (Redis unavailable)")
		} else {
			log.Println("[main] Coordinator ready (Redis connected)")
		}
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		defer coord.Close()
	} else {
		log.Println("[main] No redis.addr configured, running single-process with no coordinator")
	}

	// ─── Core components ───────────────────────────────────────────────
	st := store.New(cfg.Paths.CatalogueFile)

	poolCfg := pool.Config{
		PoolMax:                  cfg.Defaults.PoolMax,
		IdleCloseMs:              cfg.Defaults.IdleCloseMs,
		ConnectTimeoutMs:         cfg.Defaults.ConnectTimeoutMs,
		RequestTimeoutMs:         cfg.Defaults.RequestTimeoutMs,
		MaxConcurrentConnections: cfg.Defaults.MaxConcurrentConnections,
	}
	poolMgr := pool.NewManager(poolCfg, appLog, coord)
	defer poolMgr.DestroyAll()

	progressStream := progress.New(cfg.Paths.CheckpointDir, appLog, rdb)

	var sheetsClient destination.SheetsClient
	if cfg.Sheets.CredentialsFile != "" {
		sheetsClient, err = destination.NewSheetsService(context.Background(), cfg.Sheets.CredentialsFile)
		if err != nil {
			log.Printf("[main] Google Sheets adapter unavailable: %v", err)
		}
	}
	adapterFor := func(dest catalog.Destination) (destination.Adapter, error) {
		return destination.New(dest, sheetsClient)
	}

	buf := buffer.New(cfg.Paths.BufferDir, cfg.Defaults.BufferSizeThreshold, cfg.Defaults.BufferMaxFlushAttempts, adapterFor, appLog)
	hist := history.New(cfg.Paths.HistoryFile)

	// nil selects the conservative streaming-eligible default (googleSheets only).
	exec := executor.New(poolMgr, progressStream, buf, hist, st, adapterFor, nil, appLog)

	q := queue.New(queue.Config{
		MaxConcurrent:     cfg.Defaults.QueueMaxConcurrent,
		RetryDelayMs:      cfg.Defaults.QueueRetryDelayMs,
		BackoffMultiplier: cfg.Defaults.QueueBackoffMultiplier,
	}, appLog)
	defer q.Shutdown(15 * time.Second)

	sched := scheduler.New(st, exec, q, appLog)
	if err := sched.LoadConfig(); err != nil {
		log.Fatalf("[main] Failed to load catalogue: %v", err)
	}
	sched.StartAll()
	defer sched.StopAll()
	log.Printf("[main] Scheduler ready with %d job(s)", len(sched.GetJobs()))

	// ─── Health checker ─────────────────────────────────────────────────
	checker := health.NewChecker(cfg, st, rdb, appLog)
	healthServer := checker.ServeHTTP()
	log.Printf("[main] Health check server listening on %s", cfg.Server.HealthAddr)

	report := checker.Check(context.Background())
	log.Printf("[main] Initial health: %s", report.Status)
	for _, comp := range report.Components {
		log.Printf("[main]   %s: %s (%s) %s", comp.Name, comp.Status, comp.Latency, comp.Message)
	}

	// ─── Graceful shutdown ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] reportd is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	fmt.Println("[main] Shutdown complete.")
}
