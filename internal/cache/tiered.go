package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Tiered is an in-process LRU over one Redis hash. Redis holds the
// authoritative copy; the memory tier only ever contains values that were
// read from or written through to Redis. Warm preloads the memory tier and
// is expected to run once at startup.
type Tiered[V any] struct {
	name    string
	client  redis.Cmdable
	hashKey string
	memory  *LRU[string, V]
	group   singleflight.Group
}

func NewTiered[V any](name string, client redis.Cmdable, hashKey string, capacity int, memoryTTL time.Duration) *Tiered[V] {
	return &Tiered[V]{
		name:    name,
		client:  client,
		hashKey: hashKey,
		memory:  NewLRU[string, V](capacity, memoryTTL),
	}
}

// Warm copies every field of the Redis hash into memory and returns the
// number of entries loaded. Undecodable fields are skipped.
func (t *Tiered[V]) Warm(ctx context.Context) (int, error) {
	all, err := t.client.HGetAll(ctx, t.hashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("warm %s: %w", t.name, err)
	}
	n := 0
	for field, raw := range all {
		var v V
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		t.memory.Put(field, v)
		n++
	}
	return n, nil
}

func (t *Tiered[V]) Get(ctx context.Context, field string) (V, bool, error) {
	var zero V
	if v, ok := t.memory.Get(field); ok {
		metrics.CacheHits.WithLabelValues(t.name, "memory").Inc()
		return v, true, nil
	}
	raw, err := t.client.HGet(ctx, t.hashKey, field).Result()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(t.name).Inc()
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("get %s/%s: %w", t.name, field, err)
	}
	var v V
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, false, fmt.Errorf("decode %s/%s: %w", t.name, field, err)
	}
	metrics.CacheHits.WithLabelValues(t.name, "redis").Inc()
	t.memory.Put(field, v)
	return v, true, nil
}

// Put writes Redis first so memory never holds a value Redis lacks.
func (t *Tiered[V]) Put(ctx context.Context, field string, v V) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", t.name, field, err)
	}
	if err := t.client.HSet(ctx, t.hashKey, field, raw).Err(); err != nil {
		return fmt.Errorf("put %s/%s: %w", t.name, field, err)
	}
	t.memory.Put(field, v)
	return nil
}

// GetOrLoad resolves field from either tier, otherwise calls load once per
// field across concurrent callers and stores the result.
func (t *Tiered[V]) GetOrLoad(ctx context.Context, field string, load func(context.Context) (V, error)) (V, error) {
	if v, ok, err := t.Get(ctx, field); err == nil && ok {
		return v, nil
	}
	res, err, _ := t.group.Do(field, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			metrics.CacheLoads.WithLabelValues(t.name, "error").Inc()
			return nil, err
		}
		metrics.CacheLoads.WithLabelValues(t.name, "ok").Inc()
		// A failed write-through leaves the value usable for this caller.
		_ = t.Put(ctx, field, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (t *Tiered[V]) Delete(ctx context.Context, field string) error {
	if err := t.client.HDel(ctx, t.hashKey, field).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", t.name, field, err)
	}
	t.memory.Delete(field)
	return nil
}

func (t *Tiered[V]) MemoryLen() int { return t.memory.Len() }
