// Package cache provides the in-memory TTL caches shared by the batch
// fetchers. A single Registry is constructed at process start and passed by
// reference wherever caching is needed; there is no ambient global state.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/models"
)

// Default capacity caps per cache.
const (
	QuoteCapacity    = 2048
	MetricsCapacity  = 4096
	SnapshotCapacity = 2048
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a capacity-capped TTL cache. Expiry is checked by the reader
// rather than an evictor, so stale entries remain servable while the system
// is under upstream backoff. Explicit zero values (e.g. a nil quote) are
// legitimate entries: they record that a symbol has no data and stop it from
// being re-fetched in a hot loop.
type Cache[V any] struct {
	ttl time.Duration
	lru *lru.Cache[string, entry[V]]
	now func() time.Time
}

// New creates a cache with the given freshness window and capacity cap.
func New[V any](ttl time.Duration, capacity int) *Cache[V] {
	l, err := lru.New[string, entry[V]](capacity)
	if err != nil {
		// capacity is a compile-time constant at every call site
		panic(err)
	}
	return &Cache[V]{
		ttl: ttl,
		lru: l,
		now: time.Now,
	}
}

// Get returns the entry for key if it is fresher than the TTL.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.lru.Get(key)
	if !ok || !common.IsFresh(e.storedAt, c.ttl) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetStale returns the entry for key regardless of age. Used to degrade to
// cached data while the global backoff window is open.
func (c *Cache[V]) GetStale(key string) (V, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Age returns how old the entry for key is.
func (c *Cache[V]) Age(key string) (time.Duration, bool) {
	e, ok := c.lru.Peek(key)
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.storedAt), true
}

// Put stores value under key, stamping it with the current time. Last write
// wins on concurrent puts for the same symbol.
func (c *Cache[V]) Put(key string, value V) {
	c.lru.Add(key, entry[V]{value: value, storedAt: c.now()})
}

// Len returns the number of entries currently held.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Registry bundles the per-data-class caches. Constructed once in app
// wiring; tests build a fresh one per test.
type Registry struct {
	Quotes      *Cache[*models.Quote]
	MetricsLite *Cache[models.MetricsBag]
	MetricsFull *Cache[models.MetricsBag]
	Snapshots   *Cache[*models.Snapshot]
}

// NewRegistry creates the standard cache set with the default TTLs.
func NewRegistry() *Registry {
	return &Registry{
		Quotes:      New[*models.Quote](common.FreshnessQuote, QuoteCapacity),
		MetricsLite: New[models.MetricsBag](common.FreshnessMetricsLite, MetricsCapacity),
		MetricsFull: New[models.MetricsBag](common.FreshnessMetricsFull, MetricsCapacity),
		Snapshots:   New[*models.Snapshot](common.FreshnessSnapshot, SnapshotCapacity),
	}
}
