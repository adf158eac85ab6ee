// Package cache provides a small TTL cache with per-key invalidation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache memoizes values per key for a fixed TTL. Concurrent loads of the
// same key are coalesced; a load that overlaps an Invalidate is not stored.
type TTLCache[K comparable, V any] struct {
	ttl   time.Duration
	nowFn func() time.Time

	mu      sync.Mutex
	entries map[K]entry[V]
	loads   map[K]*loadState
	group   singleflight.Group
}

// loadState exists only while at least one load of the key is running.
type loadState struct {
	gen     uint64
	running int
}

// New constructs a TTLCache. A nil nowFn uses time.Now.
func New[K comparable, V any](ttl time.Duration, nowFn func() time.Time) *TTLCache[K, V] {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &TTLCache[K, V]{
		ttl:     ttl,
		nowFn:   nowFn,
		entries: make(map[K]entry[V]),
		loads:   make(map[K]*loadState),
	}
}

// TTL returns the configured lifetime of an entry.
func (c *TTLCache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached value when present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.nowFn().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for one TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.nowFn().Add(c.ttl)}
}

// GetOrLoad returns the cached value or calls load once for all concurrent
// callers of the same key. Load errors are returned and never cached.
//
// load runs detached from the cancellation of whichever caller started it;
// each caller stops waiting when its own ctx is done.
func (c *TTLCache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loadCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(fmt.Sprint(key), func() (any, error) {
		gen := c.beginLoad(key)
		loaded, errLoad := load(loadCtx)
		c.endLoad(key, gen, loaded, errLoad == nil)
		return loaded, errLoad
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *TTLCache[K, V]) beginLoad(key K) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.loads[key]
	if st == nil {
		st = &loadState{}
		c.loads[key] = st
	}
	st.running++
	return st.gen
}

// endLoad stores value unless key was invalidated after the load began.
func (c *TTLCache[K, V]) endLoad(key K, gen uint64, value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.loads[key]
	if ok && c.ttl > 0 && st.gen == gen {
		c.entries[key] = entry[V]{value: value, expiresAt: c.nowFn().Add(c.ttl)}
	}
	st.running--
	if st.running == 0 {
		delete(c.loads, key)
	}
}

// Invalidate drops key so the next read reloads it.
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	if st := c.loads[key]; st != nil {
		st.gen++
	}
	c.mu.Unlock()
	c.group.Forget(fmt.Sprint(key))
}

// Purge drops every entry.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.loads {
		st.gen++
	}
	c.entries = make(map[K]entry[V])
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pendingLoads returns the number of keys with a load in progress.
func (c *TTLCache[K, V]) pendingLoads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loads)
}
