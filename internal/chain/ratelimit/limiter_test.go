package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10.0, 5, "ethereum")

	require.NotNil(t, l.limiter)
	assert.Equal(t, "ethereum", l.endpoint)
	assert.InDelta(t, 10.0, float64(l.limiter.Limit()), 0.001)
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestLimiter_AllowWithinBurst(t *testing.T) {
	t.Parallel()
	l := NewLimiter(100, 5, "base")
	for i := 0; i < 5; i++ {
		start := time.Now()
		require.NoError(t, l.Wait(context.Background()))
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	}
}

func TestLimiter_WaitWhenExhausted(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, 1, "test-wait-exhausted")
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RPCRateLimitWaits.WithLabelValues("test-wait-exhausted")))
}

func TestLimiter_ContextCancellation(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1, 1, "arbitrum")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_DoRecordsOutcome(t *testing.T) {
	t.Parallel()
	l := NewLimiter(100, 10, "test-do")
	ctx := context.Background()

	require.NoError(t, l.Do(ctx, "eth_call", func(context.Context) error { return nil }))
	err := l.Do(ctx, "eth_call", func(context.Context) error { return errors.New("execution reverted") })
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RPCCallsTotal.WithLabelValues("test-do", "eth_call", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RPCCallsTotal.WithLabelValues("test-do", "eth_call", "reverted")))
}

func TestSet_SharesLimiterPerEndpoint(t *testing.T) {
	t.Parallel()
	s := NewSet(5, 2)
	a := s.For("ethereum")
	assert.Same(t, a, s.For("ethereum"))
	assert.NotSame(t, a, s.For("base"))
}

func TestClassifyRPCError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("read tcp: i/o timeout"), "timeout"},
		{errors.New("ethereum: circuit breaker is open"), "circuit_open"},
		{errors.New("429 Too Many Requests"), "rate_limited"},
		{errors.New("execution reverted: Invalid token ID"), "reverted"},
		{errors.New("502 Bad Gateway"), "server_error"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("invalid argument"), "client_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRPCError(tt.err), "%v", tt.err)
	}
}
