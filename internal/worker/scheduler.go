package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
)

const (
	defaultPublishTimeout = 5 * time.Second
	defaultErrorBuffer    = 256
)

var ErrSchedulerClosed = errors.New("retry scheduler closed")

// Publisher is the part of broker.Broker the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// RetryError reports a retry that was due but could not be republished.
// Elapsed is the duration of the attempt that scheduled it.
type RetryError struct {
	Request model.IntegrationRequest
	Elapsed time.Duration
	Err     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("republish %s attempt %d: %v", e.Request.UnitID(), e.Request.Attempt, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

type scheduledRetry struct {
	req     model.IntegrationRequest
	elapsed time.Duration
	timer   *time.Timer
}

// RetryScheduler holds delayed retries and republishes them when their
// delay elapses. Publish failures are never dropped silently: they are
// delivered on Errors() so the owner can resolve the unit.
type RetryScheduler struct {
	pub            Publisher
	logger         *slog.Logger
	publishTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*scheduledRetry
	closed  bool
	wg      sync.WaitGroup

	errs chan *RetryError
}

type SchedulerOption func(*RetryScheduler)

func WithPublishTimeout(d time.Duration) SchedulerOption {
	return func(s *RetryScheduler) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

func WithErrorBuffer(n int) SchedulerOption {
	return func(s *RetryScheduler) {
		if n > 0 {
			s.errs = make(chan *RetryError, n)
		}
	}
}

func NewRetryScheduler(pub Publisher, logger *slog.Logger, opts ...SchedulerOption) *RetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RetryScheduler{
		pub:            pub,
		logger:         logger.With("component", "retry_scheduler"),
		publishTimeout: defaultPublishTimeout,
		pending:        make(map[string]*scheduledRetry),
		errs:           make(chan *RetryError, defaultErrorBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Schedule publishes next after delay. next must already carry the new
// attempt number and request id.
func (s *RetryScheduler) Schedule(next model.IntegrationRequest, delay time.Duration, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if _, dup := s.pending[next.RequestID]; dup {
		return fmt.Errorf("retry %s already scheduled", next.RequestID)
	}

	id := next.RequestID
	r := &scheduledRetry{req: next, elapsed: elapsed}
	s.pending[id] = r
	s.wg.Add(1)
	r.timer = time.AfterFunc(delay, func() { s.fire(id) })

	metrics.RetriesScheduled.WithLabelValues(next.Provider.Slug(), strconv.Itoa(next.Attempt)).Inc()
	metrics.RetriesPending.Inc()
	return nil
}

func (s *RetryScheduler) fire(id string) {
	defer s.wg.Done()

	s.mu.Lock()
	r, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		// Close took it and flushes it.
		return
	}
	metrics.RetriesPending.Dec()
	s.publish(r)
}

func (s *RetryScheduler) publish(r *scheduledRetry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	defer cancel()

	body, err := json.Marshal(r.req)
	if err == nil {
		err = s.pub.Publish(ctx, model.RequestRoutingKey(r.req.Provider), body)
	}
	if err == nil {
		s.logger.Debug("retry published",
			"job_id", r.req.JobID,
			"request_id", r.req.RequestID,
			"provider", r.req.Provider.Slug(),
			"attempt", r.req.Attempt,
		)
		return
	}

	metrics.RetryPublishErrors.WithLabelValues(r.req.Provider.Slug()).Inc()
	retryErr := &RetryError{Request: r.req, Elapsed: r.elapsed, Err: err}
	select {
	case s.errs <- retryErr:
	default:
		s.logger.Error("retry error buffer full, unit left pending",
			"job_id", r.req.JobID,
			"unit_id", r.req.UnitID(),
			"error", err,
		)
	}
}

// Errors delivers retries whose republish failed. The channel is closed by
// Close once every pending retry has been flushed.
func (s *RetryScheduler) Errors() <-chan *RetryError {
	return s.errs
}

// Pending is the number of retries waiting for their delay.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops accepting retries and publishes every pending one
// immediately. It waits for in-flight timer callbacks, bounded by ctx.
func (s *RetryScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	flush := make([]*scheduledRetry, 0, len(s.pending))
	for id, r := range s.pending {
		delete(s.pending, id)
		flush = append(flush, r)
	}
	s.mu.Unlock()

	if len(flush) > 0 {
		s.logger.Info("flushing pending retries", "count", len(flush))
	}
	for _, r := range flush {
		stopped := r.timer.Stop()
		metrics.RetriesPending.Dec()
		s.publish(r)
		if stopped {
			// The callback will never run, so release its slot here.
			s.wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		close(s.errs)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close retry scheduler: %w", ctx.Err())
	}
}
