// Package coordinator implements the process-global connection-quota
// coordinator described in SPEC_FULL.md §4.1: a distributed counting
// semaphore backed by Redis, with a local in-memory fallback engaged
// automatically when Redis is unreachable.
//
// This is ambient resilience infrastructure, not job distribution — no
// single job run is ever split across processes. It only lets
// independent scheduler replicas, run for availability, share one
// connection budget against the backing SQL Server fleet.
package coordinator

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/internal/metrics"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

const (
	keyConnectorCount = "reportcore:connector:%s:count"
	keyConnectorMax   = "reportcore:connector:%s:max"
	channelRelease    = "reportcore:connector:%s:release"
)

// localLimitDivisor shrinks the configured global maximum into a
// per-process budget while a replica is running without Redis.
const localLimitDivisor = 3

// Coordinator bounds the number of concurrently acquired sessions for a
// named connector (a connection pool namespace) across every process
// sharing the same Redis instance.
type Coordinator struct {
	client redis.UniversalClient
	log    *logging.Logger

	acquireSHA string
	releaseSHA string

	fallbackMode atomic.Bool

	fallbackMu sync.Mutex
	fallback   map[string]int
	maxima     map[string]int

	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New dials Redis at addr and returns a Coordinator. If Redis is
// unreachable, the Coordinator starts directly in fallback mode rather
// than failing — a single-process deployment should work with no Redis
// at all.
func New(ctx context.Context, addr, password string, db int, log *logging.Logger) *Coordinator {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	c := &Coordinator{
		client:      client,
		log:         log,
		fallback:    make(map[string]int),
		maxima:      make(map[string]int),
		subscribers: make(map[string]*redis.PubSub),
		stopCh:      make(chan struct{}),
	}

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("coordinator: redis unreachable, starting in fallback mode")
		c.fallbackMode.Store(true)
		return c
	}

	if err := c.loadScripts(ctx); err != nil {
		log.Warn().Err(err).Msg("coordinator: failed loading lua scripts, starting in fallback mode")
		c.fallbackMode.Store(true)
	}
	return c
}

func (c *Coordinator) loadScripts(ctx context.Context) error {
	sha, err := c.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	c.acquireSHA = sha

	sha, err = c.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	c.releaseSHA = sha
	return nil
}

// SetMax registers the maximum concurrent sessions allowed for connector.
// Safe to call repeatedly; the most recent value wins.
func (c *Coordinator) SetMax(ctx context.Context, connector string, max int) {
	c.fallbackMu.Lock()
	c.maxima[connector] = max
	c.fallbackMu.Unlock()

	if c.fallbackMode.Load() {
		return
	}
	maxKey := fmt.Sprintf(keyConnectorMax, connector)
	if err := c.client.Set(ctx, maxKey, max, 0).Err(); err != nil {
		c.log.Warn().Err(err).Str("connector", connector).Msg("coordinator: failed to register max, entering fallback")
		c.enterFallback()
	}
}

// Acquire takes one slot for connector, blocking until one is free or ctx
// is done.
func (c *Coordinator) Acquire(ctx context.Context, connector string) error {
	if err := c.tryAcquire(ctx, connector); err == nil {
		return nil
	}

	notifyCh, unsubscribe := c.subscribe(ctx, connector)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			metrics.RedisOperations.WithLabelValues("acquire", "cancelled").Inc()
			return ctx.Err()
		case <-notifyCh:
			if err := c.tryAcquire(ctx, connector); err == nil {
				return nil
			}
		}
	}
}

func (c *Coordinator) tryAcquire(ctx context.Context, connector string) error {
	if c.fallbackMode.Load() {
		return c.acquireFallback(connector)
	}

	countKey := fmt.Sprintf(keyConnectorCount, connector)
	maxKey := fmt.Sprintf(keyConnectorMax, connector)

	result, err := c.client.EvalSha(ctx, c.acquireSHA, []string{countKey, maxKey}).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		c.enterFallback()
		return c.acquireFallback(connector)
	}

	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()
	switch result {
	case -1:
		return fmt.Errorf("connector %s at capacity", connector)
	case -2:
		return fmt.Errorf("connector %s max not registered", connector)
	}
	return nil
}

// Release frees one slot for connector and notifies any waiters.
func (c *Coordinator) Release(ctx context.Context, connector string) {
	if c.fallbackMode.Load() {
		c.releaseFallback(connector)
		return
	}

	countKey := fmt.Sprintf(keyConnectorCount, connector)
	channel := fmt.Sprintf(channelRelease, connector)

	if _, err := c.client.EvalSha(ctx, c.releaseSHA, []string{countKey}, channel).Result(); err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		c.enterFallback()
		c.releaseFallback(connector)
		return
	}
	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
}

func (c *Coordinator) subscribe(ctx context.Context, connector string) (<-chan struct{}, func()) {
	notifyCh := make(chan struct{}, 16)

	if c.fallbackMode.Load() {
		// No cross-process wakeup available; poll.
		ticker := newPollTicker()
		go func() {
			for range ticker.C {
				select {
				case notifyCh <- struct{}{}:
				default:
				}
			}
		}()
		return notifyCh, func() { ticker.Stop(); close(notifyCh) }
	}

	channel := fmt.Sprintf(channelRelease, connector)
	sub := c.client.Subscribe(ctx, channel)

	c.subMu.Lock()
	c.subscribers[connector] = sub
	c.subMu.Unlock()

	c.wg.Add(1)
	stopped := make(chan struct{})
	go func() {
		defer c.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-c.stopCh:
				return
			case <-stopped:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	return notifyCh, func() {
		close(stopped)
		sub.Close()
		close(notifyCh)
	}
}

func (c *Coordinator) enterFallback() {
	if c.fallbackMode.CompareAndSwap(false, true) {
		c.log.Warn().Msg("coordinator: entering fallback mode")
	}
}

// IsFallback reports whether the coordinator is operating without Redis.
func (c *Coordinator) IsFallback() bool {
	return c.fallbackMode.Load()
}

func (c *Coordinator) acquireFallback(connector string) error {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()

	limit := c.localLimit(connector)
	if c.fallback[connector] >= limit {
		return fmt.Errorf("connector %s at local fallback limit (%d/%d)", connector, c.fallback[connector], limit)
	}
	c.fallback[connector]++
	return nil
}

func (c *Coordinator) releaseFallback(connector string) {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()
	if c.fallback[connector] > 0 {
		c.fallback[connector]--
	}
}

func (c *Coordinator) localLimit(connector string) int {
	max := c.maxima[connector]
	if max <= 0 {
		return 1
	}
	limit := max / localLimitDivisor
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Close releases all subscriptions and the Redis client.
func (c *Coordinator) Close() error {
	close(c.stopCh)
	c.subMu.Lock()
	for _, sub := range c.subscribers {
		sub.Close()
	}
	c.subscribers = nil
	c.subMu.Unlock()
	c.wg.Wait()
	return c.client.Close()
}
