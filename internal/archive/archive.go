// Package archive persists terminal integration results published on
// integration.result.* into Postgres.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/emperorhan/position-aggregator/internal/broker"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/retry"
	"github.com/emperorhan/position-aggregator/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// ResultPattern binds every provider's result routing key.
	ResultPattern = "integration.result.*"

	defaultQueue         = "integration-results"
	defaultConcurrency   = 2
	defaultWriteAttempts = 3
	defaultWriteBackoff  = 200 * time.Millisecond
)

// Repository is the write side of the result archive.
type Repository interface {
	Upsert(ctx context.Context, res model.IntegrationResult) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Consumer is the subscribe half of a broker.
type Consumer interface {
	Consume(ctx context.Context, sub broker.Subscription, handler broker.Handler) error
}

type Config struct {
	Queue         string
	Concurrency   int
	WriteAttempts int
	WriteBackoff  time.Duration
	// Retention of zero disables purging.
	Retention     time.Duration
	PurgeInterval time.Duration
}

type Archiver struct {
	cfg      Config
	repo     Repository
	consumer Consumer
	logger   *slog.Logger
	nowFn    func() time.Time
}

func New(cfg Config, repo Repository, consumer Consumer, logger *slog.Logger) *Archiver {
	if cfg.Queue == "" {
		cfg.Queue = defaultQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = defaultWriteAttempts
	}
	if cfg.WriteBackoff <= 0 {
		cfg.WriteBackoff = defaultWriteBackoff
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		cfg:      cfg,
		repo:     repo,
		consumer: consumer,
		logger:   logger.With("component", "archive"),
		nowFn:    time.Now,
	}
}

func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archive started", "queue", a.cfg.Queue, "concurrency", a.cfg.Concurrency, "retention", a.cfg.Retention)
	defer a.logger.Info("archive stopped")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.consumer.Consume(gCtx, broker.Subscription{
			Queue:       a.cfg.Queue,
			Pattern:     ResultPattern,
			Concurrency: a.cfg.Concurrency,
		}, a.handleMessage)
	})
	if a.cfg.Retention > 0 {
		g.Go(func() error {
			a.purgeLoop(gCtx)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleMessage acks undecodable bodies and terminal write failures. A
// transient failure that survives the in-handler attempts is returned so the
// transport redelivers the message.
func (a *Archiver) handleMessage(ctx context.Context, msg broker.Message) error {
	var res model.IntegrationResult
	if err := json.Unmarshal(msg.Body, &res); err != nil {
		metrics.ArchiveWrites.WithLabelValues("invalid").Inc()
		a.logger.Warn("dropping undecodable result", "routing_key", msg.RoutingKey, "id", msg.ID, "error", err)
		return nil
	}

	err := a.write(ctx, res)
	switch {
	case err == nil:
		metrics.ArchiveWrites.WithLabelValues("ok").Inc()
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case !retry.Classify(err).IsTransient():
		metrics.ArchiveWrites.WithLabelValues("rejected").Inc()
		a.logger.Error("result rejected by archive",
			"job_id", res.JobID, "request_id", res.RequestID, "provider", res.Provider, "error", err)
		return nil
	default:
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		a.logger.Warn("archive write failed, leaving result for redelivery",
			"job_id", res.JobID, "request_id", res.RequestID, "redelivered", msg.Redelivered, "error", err)
		return err
	}
}

func (a *Archiver) write(ctx context.Context, res model.IntegrationResult) (err error) {
	ctx, span := tracing.Tracer("archive").Start(ctx, "archive.write",
		otelTrace.WithAttributes(
			attribute.String("job.id", res.JobID),
			attribute.String("provider", res.Provider.Slug()),
			attribute.String("result.status", string(res.Status)),
		))
	defer func() { tracing.End(span, err) }()

	backoff := a.cfg.WriteBackoff
	for attempt := 1; ; attempt++ {
		err = a.repo.Upsert(ctx, res)
		if err == nil || attempt >= a.cfg.WriteAttempts || !retry.Classify(err).IsTransient() {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (a *Archiver) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		a.purge(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Archiver) purge(ctx context.Context) {
	cutoff := a.nowFn().Add(-a.cfg.Retention)
	n, err := a.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("archive purge failed", "cutoff", cutoff, "error", err)
		}
		return
	}
	if n > 0 {
		metrics.ArchivePurged.Add(float64(n))
		a.logger.Info("archive purged", "rows", n, "cutoff", cutoff)
	}
}
