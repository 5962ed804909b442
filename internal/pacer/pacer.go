// Package pacer implements the Local Pacer (LP), spec.md §4.6: an
// in-process fallback limiter the Client Admission Gate switches to when
// the Arbiter Service is unreachable. It composes two token buckets — one
// keyed by identity, one keyed by (identity, method, route, major
// parameter) — with FIFO per-key scheduling, generalizing the teacher's
// single-bucket ristretto-backed InMemoryLimiter.
package pacer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/permitarbiter/arbiter/internal/config"
)

// defaultMaxCost bounds the pacer's memory footprint the same way the
// teacher's fallback cache does (64 MiB).
const defaultMaxCost = 64 << 20

var scheduleCost = int64(48) // approximate footprint of one *schedule entry

// schedule tracks the next admissible timestamp for one bucket key. Acquire
// calls serialize on mu in arrival order, giving the "first caller wins the
// earliest slot" property spec.md §4.6 requires even under concurrent
// racing acquirers.
type schedule struct {
	mu       sync.Mutex
	nextAt   time.Time
	lastUsed time.Time
}

// Pacer is the Local Pacer. Safe for concurrent use.
type Pacer struct {
	cache *ristretto.Cache[string, *schedule]

	globalRPS float64
	routeRPS  float64
	staleAfter time.Duration

	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Local Pacer from PacerConfig. GlobalRPS/RouteRPS default to
// the spec.md §6 fallback values (45/5) when zero.
func New(cfg config.PacerConfig, logger *slog.Logger) (*Pacer, error) {
	globalRPS := cfg.GlobalRPS
	if globalRPS <= 0 {
		globalRPS = 45
	}
	routeRPS := cfg.RouteRPS
	if routeRPS <= 0 {
		routeRPS = 5
	}
	staleAfter := config.MustParseDuration(cfg.StaleAfter, 60*time.Second)
	cleanupInterval := config.MustParseDuration(cfg.CleanupInterval, 30*time.Second)

	estimatedItems := defaultMaxCost / scheduleCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *schedule]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("pacer: ristretto init: %w", err)
	}

	p := &Pacer{
		cache:      cache,
		globalRPS:  globalRPS,
		routeRPS:   routeRPS,
		staleAfter: staleAfter,
		logger:     logger.With("component", "pacer"),
		stopCh:     make(chan struct{}),
	}
	go p.cleanupLoop(cleanupInterval)
	return p, nil
}

// Acquire blocks (honoring ctx) until both the identity-scoped global slot
// and the route-scoped slot are available, in that nested order (spec.md
// §4.6 "Acquire composition") — deterministic per caller, and acyclic
// across the two keys so it cannot deadlock.
func (p *Pacer) Acquire(ctx context.Context, identity, method, route, major string) error {
	globalKey := "global:" + identity
	routeKey := "route:" + identity + ":" + method + ":" + route + ":" + major

	if err := p.acquireKey(ctx, globalKey, p.globalRPS); err != nil {
		return err
	}
	return p.acquireKey(ctx, routeKey, p.routeRPS)
}

// acquireKey implements the per-key scheduling rule: scheduled =
// max(now, next_at); next_at = scheduled + ceil(1000/rps); sleep until
// scheduled. Holding sch.mu for the full sleep is what gives later
// acquirers FIFO ordering against this one.
func (p *Pacer) acquireKey(ctx context.Context, key string, rps float64) error {
	if rps <= 0 {
		return nil
	}
	sch := p.getOrCreate(key)

	sch.mu.Lock()
	defer sch.mu.Unlock()

	now := time.Now()
	scheduled := now
	if sch.nextAt.After(scheduled) {
		scheduled = sch.nextAt
	}
	interval := time.Duration(math.Ceil(1000/rps)) * time.Millisecond
	sch.nextAt = scheduled.Add(interval)
	sch.lastUsed = now

	wait := scheduled.Sub(now)
	// Restart the TTL on every use, counted from the slot just handed out, so
	// a schedule expires only once it has sat idle for staleAfter.
	p.cache.SetWithTTL(key, sch, scheduleCost, p.staleAfter+wait)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pacer) getOrCreate(key string) *schedule {
	if sch, ok := p.cache.Get(key); ok {
		return sch
	}
	sch := &schedule{lastUsed: time.Now()}
	p.cache.SetWithTTL(key, sch, scheduleCost, p.staleAfter)
	p.cache.Wait()

	// Another goroutine may have raced us to creation; ristretto's Get/Set
	// is not check-and-set, so re-read to converge on a single schedule
	// per key instead of letting concurrent creators silently diverge.
	if existing, ok := p.cache.Get(key); ok {
		return existing
	}
	return sch
}

// cleanupLoop runs on CleanupInterval for the life of the Pacer. The actual
// eviction of schedules idle past staleAfter is ristretto's own TTL-based
// admission policy (every schedule is stored with staleAfter as its TTL);
// this loop just gives ristretto a steady cadence to flush its internal
// buffers under low-traffic conditions, so churned-through routes don't
// linger in memory waiting for the next write to trigger housekeeping.
func (p *Pacer) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cache.Wait()
		case <-p.stopCh:
			return
		}
	}
}

// Close releases the pacer's background resources. Safe to call once.
func (p *Pacer) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cache.Close()
	})
}
