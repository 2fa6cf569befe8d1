package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"integration.request.*", "integration.request.aave", true},
		{"integration.request.*", "integration.request.uniswap-v3", true},
		{"integration.request.*", "integration.result.aave", false},
		{"integration.request.*", "integration.request", false},
		{"integration.request.*", "integration.request.aave.extra", false},
		{"integration.#", "integration.result.aave", true},
		{"integration.#", "integration", true},
		{"#", "anything.at.all", true},
		{"#.aave", "integration.result.aave", true},
		{"*.result.*", "integration.result.kamino", true},
		{"integration.result.aave", "integration.result.aave", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Match(tt.pattern, tt.key))
		})
	}
}

func TestMemory_RoutesByPattern(t *testing.T) {
	t.Parallel()

	b := NewMemory(nil)
	require.NoError(t, b.Declare("requests", "integration.request.*"))
	require.NoError(t, b.Declare("results", "integration.result.*"))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "integration.request.aave", []byte("a")))
	require.NoError(t, b.Publish(ctx, "integration.result.aave", []byte("b")))
	require.NoError(t, b.Publish(ctx, "integration.request.kamino", []byte("c")))

	assert.Equal(t, 2, b.Depth("requests"))
	assert.Equal(t, 1, b.Depth("results"))
}

func TestMemory_ConsumeAcksAndRedelivers(t *testing.T) {
	t.Parallel()

	b := NewMemory(nil)
	require.NoError(t, b.Declare("requests", "integration.request.*"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu        sync.Mutex
		seen      []Message
		failFirst atomic.Bool
	)
	failFirst.Store(true)

	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, Subscription{Queue: "requests", Pattern: "integration.request.*", Concurrency: 2}, func(_ context.Context, msg Message) error {
			mu.Lock()
			seen = append(seen, msg)
			mu.Unlock()
			if failFirst.CompareAndSwap(true, false) {
				return errors.New("transient")
			}
			return nil
		})
	}()

	require.NoError(t, b.Publish(ctx, "integration.request.moralis", []byte(`{"x":1}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.False(t, seen[0].Redelivered)
	assert.True(t, seen[1].Redelivered)
	assert.Equal(t, seen[0].ID, seen[1].ID)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestMemory_RequeueWaitsForSpaceWhenFull(t *testing.T) {
	t.Parallel()

	b := NewMemory(nil)
	require.NoError(t, b.Declare("requests", "integration.request.*"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < memoryQueueBuffer; i++ {
		require.NoError(t, b.Publish(ctx, "integration.request.moralis", []byte(`{}`)))
	}
	require.Equal(t, memoryQueueBuffer, b.Depth("requests"))

	var (
		mu         sync.Mutex
		deliveries = make(map[string]int)
		failFirst  atomic.Bool
	)
	failFirst.Store(true)

	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, Subscription{Queue: "requests", Pattern: "integration.request.*", Concurrency: 1}, func(ctx context.Context, msg Message) error {
			mu.Lock()
			deliveries[msg.ID]++
			mu.Unlock()
			if failFirst.CompareAndSwap(true, false) {
				// Refill the slot this delivery freed so the requeue finds the queue full.
				if err := b.Publish(ctx, "integration.request.moralis", []byte(`{}`)); err != nil {
					return err
				}
				return errors.New("transient")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries["1"] == 2 && len(deliveries) == memoryQueueBuffer+1
	}, 5*time.Second, 5*time.Millisecond, "failed message is redelivered after the queue drains")

	cancel()
	require.NoError(t, <-done)
}

func TestMemory_ClosedRejectsPublish(t *testing.T) {
	t.Parallel()

	b := NewMemory(nil)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "k", nil), ErrClosed)
}

func TestMemory_DeclareConflict(t *testing.T) {
	t.Parallel()

	b := NewMemory(nil)
	require.NoError(t, b.Declare("q", "a.*"))
	require.NoError(t, b.Declare("q", "a.*"))
	assert.Error(t, b.Declare("q", "b.*"))
}
