package cache

import (
	"context"
	"sync"
	"time"

	"github.com/emperorhan/position-aggregator/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Loader produces the value for key.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Loading holds TTL-bound values and refreshes each key through exactly one
// in-flight load; concurrent callers for the same key wait on that load.
// When a refresh fails and an expired value is still held, the stale value
// is served.
type Loading[V any] struct {
	name        string
	ttl         time.Duration
	loadTimeout time.Duration
	load        Loader[V]
	group       singleflight.Group
	nowFn       func() time.Time

	mu      sync.Mutex
	entries map[string]loaded[V]
}

type loaded[V any] struct {
	value    V
	loadedAt time.Time
}

func NewLoading[V any](name string, ttl, loadTimeout time.Duration, load Loader[V]) *Loading[V] {
	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}
	return &Loading[V]{
		name:        name,
		ttl:         ttl,
		loadTimeout: loadTimeout,
		load:        load,
		nowFn:       time.Now,
		entries:     make(map[string]loaded[V]),
	}
}

func (c *Loading[V]) Get(ctx context.Context, key string) (V, error) {
	stale, fresh, ok := c.lookup(key)
	if ok && fresh {
		metrics.CacheHits.WithLabelValues(c.name, "memory").Inc()
		return stale.value, nil
	}
	metrics.CacheMisses.WithLabelValues(c.name).Inc()

	ch := c.group.DoChan(key, func() (any, error) {
		// The load outlives any single caller so waiters are not failed by
		// the first caller's cancellation.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		v, err := c.load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = loaded[V]{value: v, loadedAt: c.nowFn()}
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			if ok {
				metrics.CacheLoads.WithLabelValues(c.name, "stale").Inc()
				return stale.value, nil
			}
			metrics.CacheLoads.WithLabelValues(c.name, "error").Inc()
			return zero, res.Err
		}
		metrics.CacheLoads.WithLabelValues(c.name, "ok").Inc()
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Loading[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Loading[V]) lookup(key string) (loaded[V], bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return e, false, false
	}
	return e, c.nowFn().Sub(e.loadedAt) < c.ttl, true
}
