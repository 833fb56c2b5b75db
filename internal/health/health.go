// Package health reports the health of every infrastructure dependency
// the core relies on: the catalogue store, the Redis coordinator, and
// each configured SQL Server connection.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/redis/go-redis/v9"

	"github.com/sqlfanout/reportcore/internal/config"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/store"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// Status is a component's health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single dependency.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport is the overall health report.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs health checks against the catalogue store, the Redis
// coordinator, and every connection currently in the catalogue.
type Checker struct {
	cfg   *config.Config
	store *store.Store
	redis redis.UniversalClient // nil when no coordinator is configured
	log   *logging.Logger
}

// NewChecker returns a Checker. rdb may be nil to skip the Redis check.
func NewChecker(cfg *config.Config, st *store.Store, rdb redis.UniversalClient, log *logging.Logger) *Checker {
	return &Checker{cfg: cfg, store: st, redis: rdb, log: log}
}

// Check runs every health check concurrently and aggregates the result.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Server.InstanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	add := func(ch ComponentHealth) {
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		add(c.checkCatalogue())
	}()

	if c.redis != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(c.checkRedis(ctx))
		}()
	}

	if doc, err := c.store.Load(); err == nil {
		for _, conn := range doc.Connections {
			conn := conn
			wg.Add(1)
			go func() {
				defer wg.Done()
				add(c.checkConnection(ctx, conn))
			}()
		}
	}

	wg.Wait()
	report.Components = components

	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

// checkCatalogue verifies the catalogue document can be loaded.
func (c *Checker) checkCatalogue() ComponentHealth {
	start := time.Now()
	_, err := c.store.Load()
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{Name: "catalogue", Status: StatusUnhealthy, Message: err.Error(), Latency: latency.String()}
	}
	return ComponentHealth{Name: "catalogue", Status: StatusHealthy, Message: "loaded", Latency: latency.String()}
}

// checkRedis verifies connectivity to the distributed-quota coordinator.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := c.redis.Ping(ctx)
	latency := time.Since(start)

	if result.Err() != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", result.Err()),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{Name: "redis", Status: StatusHealthy, Message: "PONG", Latency: latency.String()}
}

// checkConnection verifies connectivity to one catalogued SQL Server
// connection, falling back to its fallback endpoint on primary failure.
func (c *Checker) checkConnection(ctx context.Context, conn catalog.Connection) ComponentHealth {
	start := time.Now()
	name := fmt.Sprintf("sqlserver-%s", conn.Name)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ep := conn.PrimaryEndpoint()
	if ch, ok := c.ping(ctx, name, ep, start); ok {
		return ch
	}

	if fallback, ok := conn.FallbackEndpoint(); ok {
		if ch, ok := c.ping(ctx, name, fallback, start); ok {
			ch.Message = "connected via fallback"
			return ch
		}
	}

	return ComponentHealth{
		Name:    name,
		Status:  StatusUnhealthy,
		Message: "primary and fallback both unreachable",
		Latency: time.Since(start).String(),
	}
}

func (c *Checker) ping(ctx context.Context, name string, ep catalog.Endpoint, start time.Time) (ComponentHealth, bool) {
	db, err := sql.Open("sqlserver", ep.DSN(10*time.Second))
	if err != nil {
		return ComponentHealth{}, false
	}
	defer db.Close()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return ComponentHealth{}, false
	}
	return ComponentHealth{Name: name, Status: StatusHealthy, Message: "connected", Latency: time.Since(start).String()}, true
}

// ServeHTTP starts the health HTTP server and returns it so callers can
// shut it down gracefully.
func (c *Checker) ServeHTTP() *http.Server {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	server := &http.Server{
		Addr:         c.cfg.Server.HealthAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.log.Info().Str("addr", server.Addr).Msg("health: HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Msg("health: HTTP server error")
		}
	}()

	return server
}
