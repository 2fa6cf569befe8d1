package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/position-aggregator/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket in front of one RPC endpoint.
type Limiter struct {
	limiter  *rate.Limiter
	endpoint string
}

func NewLimiter(rps float64, burst int, endpoint string) *Limiter {
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		endpoint: endpoint,
	}
}

// Wait blocks until one token is available or ctx is done. Reserve is used
// so a canceled wait hands its token back.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token for %s", l.endpoint)
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(l.endpoint).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Do waits for a token, runs call and records its outcome under method.
func (l *Limiter) Do(ctx context.Context, method string, call func(context.Context) error) error {
	if err := l.Wait(ctx); err != nil {
		RecordRPCCall(l.endpoint, method, err)
		return err
	}
	err := call(ctx)
	RecordRPCCall(l.endpoint, method, err)
	return err
}

// Set hands out one shared Limiter per endpoint.
type Set struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	limiters map[string]*Limiter
}

func NewSet(rps float64, burst int) *Set {
	return &Set{rps: rps, burst: burst, limiters: make(map[string]*Limiter)}
}

func (s *Set) For(endpoint string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[endpoint]
	if !ok {
		l = NewLimiter(s.rps, s.burst, endpoint)
		s.limiters[endpoint] = l
	}
	return l
}

func RecordRPCCall(endpoint, method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(endpoint, method, ClassifyRPCError(err)).Inc()
}

// ClassifyRPCError buckets an RPC error into a metrics label.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "circuit breaker is open"):
		return "circuit_open"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "execution reverted"):
		return "reverted"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}
