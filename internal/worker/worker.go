// Package worker consumes work units, executes them against the provider
// registry and records their terminal outcome in the job store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/emperorhan/position-aggregator/internal/alert"
	"github.com/emperorhan/position-aggregator/internal/broker"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/provider"
	redisstore "github.com/emperorhan/position-aggregator/internal/store/redis"
	"github.com/emperorhan/position-aggregator/internal/tracing"
	"github.com/google/uuid"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	RequestPattern = "integration.request.*"

	defaultQueue          = "integration-workers"
	defaultConcurrency    = 4
	defaultTimeout        = 60 * time.Second
	defaultCloseTimeout   = 10 * time.Second
	defaultStoreOpTimeout = 5 * time.Second
)

// Store is the slice of the job store the worker writes to.
type Store interface {
	RecordTerminal(ctx context.Context, res model.IntegrationResult, elapsed time.Duration) (redisstore.TerminalOutcome, error)
	RecordDuration(ctx context.Context, jobID, unitID string, elapsed time.Duration) error
}

// Handlers resolves provider handlers and their table overrides.
type Handlers interface {
	Resolve(p model.Provider) (provider.Handler, error)
	Spec(p model.Provider) (provider.Spec, bool)
}

// Consolidator runs once per job, in the worker that resolved its last unit.
type Consolidator interface {
	Consolidate(ctx context.Context, jobID string) (model.WalletSummary, error)
}

type Config struct {
	Queue          string
	Concurrency    int
	DefaultTimeout time.Duration
	Policy         RetryPolicy
}

type Worker struct {
	cfg       Config
	store     Store
	broker    broker.Broker
	handlers  Handlers
	scheduler *RetryScheduler
	logger    *slog.Logger

	consolidator Consolidator
	alerter      alert.Alerter
	nowFn        func() time.Time
	newID        func() string
}

type Option func(*Worker)

func WithConsolidator(c Consolidator) Option {
	return func(w *Worker) { w.consolidator = c }
}

func WithAlerter(a alert.Alerter) Option {
	return func(w *Worker) { w.alerter = a }
}

func WithScheduler(s *RetryScheduler) Option {
	return func(w *Worker) { w.scheduler = s }
}

func New(cfg Config, store Store, br broker.Broker, handlers Handlers, logger *slog.Logger, opts ...Option) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = defaultQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cfg:      cfg,
		store:    store,
		broker:   br,
		handlers: handlers,
		logger:   logger.With("component", "worker"),
		alerter:  &alert.NoopAlerter{},
		nowFn:    time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.scheduler == nil {
		w.scheduler = NewRetryScheduler(br, logger)
	}
	return w
}

func (w *Worker) Scheduler() *RetryScheduler { return w.scheduler }

// Run consumes work units until ctx is cancelled. On the way out pending
// retries are flushed to the broker and any that fail are resolved as
// RETRY_PUBLISH_FAILED.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queue", w.cfg.Queue, "concurrency", w.cfg.Concurrency)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.drainRetryErrors(gCtx)
	})
	g.Go(func() error {
		sub := broker.Subscription{Queue: w.cfg.Queue, Pattern: RequestPattern, Concurrency: w.cfg.Concurrency}
		return w.broker.Consume(gCtx, sub, w.handleMessage)
	})
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	if cerr := w.scheduler.Close(closeCtx); cerr != nil {
		w.logger.Error("retry scheduler close failed", "error", cerr)
	} else {
		for retryErr := range w.scheduler.Errors() {
			w.resolveRetryError(closeCtx, retryErr)
		}
	}

	w.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) drainRetryErrors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case retryErr, ok := <-w.scheduler.Errors():
			if !ok {
				return nil
			}
			w.resolveRetryError(ctx, retryErr)
		}
	}
}

// resolveRetryError turns a lost retry into a terminal failure of the
// attempt that scheduled it, so the job can still complete.
func (w *Worker) resolveRetryError(ctx context.Context, retryErr *RetryError) {
	prev := retryErr.Request
	if prev.Attempt > 1 {
		prev.Attempt--
	}
	log := w.unitLogger(prev)
	log.Error("retry publish failed, resolving unit", "error", retryErr.Err)

	now := w.nowFn()
	res := model.ResultFor(prev, model.ResultFailed, now, now)
	res.ErrorCode = model.ErrorCodeRetryPublishFailed
	res.ErrorMessage = retryErr.Err.Error()

	if err := w.finish(ctx, log, res, retryErr.Elapsed); err != nil {
		log.Error("record retry publish failure", "error", err)
	}
	if err := w.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeRetryPublishErr,
		Subject: prev.Provider.Slug(),
		Title:   "Retry publish failed",
		Message: retryErr.Error(),
		Fields: map[string]string{
			"job_id":  prev.JobID,
			"unit_id": prev.UnitID(),
		},
	}); err != nil {
		log.Warn("alert send failed", "error", err)
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg broker.Message) error {
	var req model.IntegrationRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		w.logger.Error("dropping undecodable work unit", "id", msg.ID, "routing_key", msg.RoutingKey, "error", err)
		return nil
	}
	if err := req.Validate(); err != nil {
		w.logger.Error("dropping invalid work unit", "id", msg.ID, "routing_key", msg.RoutingKey, "error", err)
		return nil
	}
	if msg.Redelivered {
		w.unitLogger(req).Info("processing redelivered work unit")
	}
	return w.Process(ctx, req)
}

// Process runs one attempt of a unit. A nil return means the message can be
// acknowledged: either a retry was scheduled or the terminal outcome was
// recorded. A non-nil return leaves the message for redelivery.
func (w *Worker) Process(ctx context.Context, req model.IntegrationRequest) error {
	log := w.unitLogger(req)
	chain := req.Chain().String()
	slug := req.Provider.Slug()
	metrics.WorkerAttempts.WithLabelValues(slug, chain).Inc()

	spanCtx, span := tracing.Tracer("worker").Start(ctx, "worker.attempt",
		otelTrace.WithAttributes(tracing.UnitAttributes(req)...),
	)
	started := w.nowFn()
	payload, execErr := w.execute(spanCtx, log, req)
	finished := w.nowFn()
	elapsed := finished.Sub(started)
	metrics.WorkerAttemptDuration.WithLabelValues(slug, chain).Observe(elapsed.Seconds())
	tracing.End(span, execErr)

	if ctx.Err() != nil {
		// Shutting down mid-attempt; leave the message for another consumer.
		return ctx.Err()
	}

	if execErr == nil {
		res := model.ResultFor(req, model.ResultSuccess, started, finished)
		body, err := json.Marshal(payload)
		if err != nil {
			res.Status = model.ResultFailed
			res.ErrorCode = model.ErrorCodePermanent
			res.ErrorMessage = fmt.Sprintf("encode payload: %v", err)
		} else {
			res.Payload = body
		}
		return w.finish(ctx, log, res, elapsed)
	}

	code := provider.CodeOf(execErr)
	if w.retryable(execErr, code) {
		if delay, ok := w.policyFor(req.Provider).Next(req.Attempt); ok {
			next := w.nextAttempt(req)
			err := w.scheduler.Schedule(next, delay, elapsed)
			if err == nil {
				w.recordDuration(ctx, log, req, elapsed)
				log.Warn("attempt failed, retry scheduled",
					"error_code", code,
					"error", execErr,
					"retry_in", delay,
					"next_request_id", next.RequestID,
				)
				return nil
			}
			log.Error("schedule retry failed, resolving unit", "error", err)
		}
	}

	res := model.ResultFor(req, model.ResultFailed, started, finished)
	res.ErrorCode = code
	res.ErrorMessage = execErr.Error()
	return w.finish(ctx, log, res, elapsed)
}

type execOutcome struct {
	payload model.ProviderPayload
	err     error
}

// execute resolves the handler and runs it under the attempt deadline. A
// handler that ignores its context is abandoned when the deadline passes.
func (w *Worker) execute(ctx context.Context, log *slog.Logger, req model.IntegrationRequest) (model.ProviderPayload, error) {
	h, err := w.handlers.Resolve(req.Provider)
	if err != nil {
		return model.ProviderPayload{}, err
	}

	timeout := w.timeoutFor(req)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		p, err := w.safeExecute(attemptCtx, log, h, req)
		done <- execOutcome{payload: p, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return out.payload, timeoutError(timeout, out.err)
		}
		return out.payload, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return model.ProviderPayload{}, ctx.Err()
		}
		return model.ProviderPayload{}, timeoutError(timeout, attemptCtx.Err())
	}
}

func timeoutError(timeout time.Duration, cause error) error {
	return &provider.Error{
		Code: model.ErrorCodeTimeout,
		Err:  fmt.Errorf("attempt exceeded %s: %w", timeout, cause),
	}
}

func (w *Worker) safeExecute(ctx context.Context, log *slog.Logger, h provider.Handler, req model.IntegrationRequest) (payload model.ProviderPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.WithLabelValues(req.Provider.Slug()).Inc()
			log.Error("provider handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = &provider.Error{
				Code:      model.ErrorCodePanic,
				Permanent: true,
				Err:       fmt.Errorf("handler panic: %v", r),
			}
		}
	}()
	return h.Execute(ctx, req)
}

func (w *Worker) retryable(err error, code string) bool {
	if provider.IsPermanent(err) {
		return false
	}
	return code != model.ErrorCodePanic && code != model.ErrorCodeNotImplemented
}

func (w *Worker) policyFor(p model.Provider) RetryPolicy {
	if spec, ok := w.handlers.Spec(p); ok {
		return w.cfg.Policy.WithMaxAttempts(spec.MaxAttempts)
	}
	return w.cfg.Policy
}

func (w *Worker) timeoutFor(req model.IntegrationRequest) time.Duration {
	if req.OperationTimeout > 0 {
		return req.OperationTimeout
	}
	if spec, ok := w.handlers.Spec(req.Provider); ok && spec.OperationTimeout > 0 {
		return spec.OperationTimeout
	}
	return w.cfg.DefaultTimeout
}

func (w *Worker) nextAttempt(req model.IntegrationRequest) model.IntegrationRequest {
	next := req
	next.RequestID = w.newID()
	next.Attempt = req.Attempt + 1
	next.RequestedAt = w.nowFn().UTC()
	next.Chains = append([]model.Chain(nil), req.Chains...)
	if req.Metadata != nil {
		next.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			next.Metadata[k] = v
		}
	}
	return next
}

func (w *Worker) recordDuration(ctx context.Context, log *slog.Logger, req model.IntegrationRequest, elapsed time.Duration) {
	storeCtx, cancel := context.WithTimeout(ctx, defaultStoreOpTimeout)
	defer cancel()
	if err := w.store.RecordDuration(storeCtx, req.JobID, req.UnitID(), elapsed); err != nil {
		log.Warn("record duration failed", "error", err)
	}
}

// finish records a terminal result, fans it out and, for the one caller
// that completes the job, runs consolidation.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, res model.IntegrationResult, elapsed time.Duration) error {
	outcome, err := w.store.RecordTerminal(ctx, res, elapsed)
	if err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			log.Warn("job expired before unit resolved, dropping result", "status", res.Status)
			return nil
		}
		return fmt.Errorf("record terminal result: %w", err)
	}

	slug := res.Provider.Slug()
	metrics.WorkerResults.WithLabelValues(slug, res.Chain().String(), string(res.Status), res.ErrorCode).Inc()
	if outcome.Duplicate {
		metrics.WorkerDuplicateResults.WithLabelValues(slug).Inc()
		log.Info("unit already resolved, result overwritten", "status", res.Status)
	} else {
		log.Info("unit resolved",
			"status", res.Status,
			"error_code", res.ErrorCode,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}

	w.publishResult(ctx, log, res)
	if outcome.Final {
		w.completeJob(ctx, log, res.JobID)
	}
	return nil
}

func (w *Worker) publishResult(ctx context.Context, log *slog.Logger, res model.IntegrationResult) {
	body, err := json.Marshal(res)
	if err != nil {
		log.Error("encode result", "error", err)
		return
	}
	if err := w.broker.Publish(ctx, model.ResultRoutingKey(res.Provider), body); err != nil {
		log.Warn("publish result failed", "error", err)
	}
}

func (w *Worker) completeJob(ctx context.Context, log *slog.Logger, jobID string) {
	if w.consolidator == nil {
		metrics.JobsCompleted.WithLabelValues("unknown").Inc()
		log.Info("job completed")
		return
	}
	summary, err := w.consolidator.Consolidate(ctx, jobID)
	if err != nil {
		metrics.JobsCompleted.WithLabelValues("unknown").Inc()
		log.Error("consolidate job", "error", err)
		return
	}

	unhealthy := summary.Failed + summary.TimedOut
	if unhealthy == 0 {
		metrics.JobsCompleted.WithLabelValues("clean").Inc()
		log.Info("job completed", "total_usd", summary.TotalUSD, "positions", summary.PositionCount)
		return
	}

	metrics.JobsCompleted.WithLabelValues("degraded").Inc()
	log.Warn("job completed degraded",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"timed_out", summary.TimedOut,
	)
	if err := w.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeJobDegraded,
		Subject: jobID,
		Title:   "Aggregation job degraded",
		Message: fmt.Sprintf("%d of %d units did not succeed", unhealthy, unhealthy+summary.Succeeded),
		Fields: map[string]string{
			"job_id":    jobID,
			"succeeded": strconv.Itoa(summary.Succeeded),
			"failed":    strconv.Itoa(summary.Failed),
			"timed_out": strconv.Itoa(summary.TimedOut),
		},
	}); err != nil {
		log.Warn("alert send failed", "error", err)
	}
}

func (w *Worker) unitLogger(req model.IntegrationRequest) *slog.Logger {
	return w.logger.With(
		"job_id", req.JobID,
		"request_id", req.RequestID,
		"provider", req.Provider.Slug(),
		"chain", req.Chain().String(),
		"account", req.Account,
		"attempt", req.Attempt,
	)
}
