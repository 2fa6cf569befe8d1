// Package granular runs a unit that fans out into many independently scored
// sub-operations. Each sub-operation is retried on its own and counted
// once; the unit succeeds when the ratio of successful to attempted
// operations reaches a configured minimum.
package granular

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/emperorhan/position-aggregator/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrMandatory marks a failed mandatory operation; the item is excluded.
var ErrMandatory = errors.New("mandatory operation failed")

type Config struct {
	Concurrency    int
	MinSuccessRate float64
	OpAttempts     int
	OpBackoff      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.OpAttempts <= 0 {
		c.OpAttempts = 2
	}
	if c.MinSuccessRate < 0 {
		c.MinSuccessRate = 0
	}
	return c
}

type Engine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "granular"),
		tracer: tracing.Tracer("granular"),
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Scorecard counts operations for one item (or for the enumeration step).
type Scorecard struct {
	attempted  atomic.Int64
	successful atomic.Int64
}

func (s *Scorecard) Attempted() int64  { return s.attempted.Load() }
func (s *Scorecard) Successful() int64 { return s.successful.Load() }

// Ops executes scored sub-operations for one item.
type Ops struct {
	engine *Engine
	card   *Scorecard
}

// Do runs fn up to OpAttempts times, sleeping OpBackoff between tries, and
// scores it as one attempted operation.
func (o *Ops) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.engine.tracer.Start(ctx, "granular."+name, trace.WithAttributes(attribute.String("operation", name)))
	o.card.attempted.Add(1)
	var err error
	for attempt := 1; attempt <= o.engine.cfg.OpAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			break
		}
		if provider.IsPermanent(err) || ctx.Err() != nil || attempt == o.engine.cfg.OpAttempts {
			break
		}
		if !sleep(ctx, o.engine.cfg.OpBackoff*time.Duration(attempt)) {
			break
		}
	}
	tracing.End(span, err)
	if err != nil {
		metrics.GranularOperations.WithLabelValues(name, "failed").Inc()
		return err
	}
	o.card.successful.Add(1)
	metrics.GranularOperations.WithLabelValues(name, "ok").Inc()
	return nil
}

// Optional runs every op concurrently and waits for all of them. Failures
// are scored but never returned.
func (o *Ops) Optional(ctx context.Context, ops map[string]func(context.Context) error) {
	var wg sync.WaitGroup
	for name, fn := range ops {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			if err := o.Do(ctx, name, fn); err != nil {
				o.engine.logger.Debug("optional operation failed", "operation", name, "error", err)
			}
		}(name, fn)
	}
	wg.Wait()
}

// Item is the processed form of one enumerated identifier.
type Item[T any] struct {
	ID         string
	Value      T
	Attempted  int64
	Successful int64
	Valid      bool
}

type Outcome[T any] struct {
	Items []Item[T]
	Stats model.GranularStats
}

// Valid returns the values of items that passed validation, in enumeration order.
func (o Outcome[T]) Valid() []T {
	out := make([]T, 0, len(o.Items))
	for _, it := range o.Items {
		if it.Valid {
			out = append(out, it.Value)
		}
	}
	return out
}

// Enumerator lists item identifiers.
type Enumerator func(ctx context.Context) ([]string, error)

// Processor builds one item. Returning an error (typically wrapping
// ErrMandatory) excludes the item; its scored operations still count.
type Processor[T any] func(ctx context.Context, id string, ops *Ops) (T, error)

// Run enumerates, processes items under the permit pool and applies the
// success-rate threshold. A failed enumeration is returned as a transient
// provider error; an insufficient rate returns the outcome together with an
// INSUFFICIENT_SUCCESS_RATE error.
func Run[T any](ctx context.Context, e *Engine, enumerate Enumerator, process Processor[T]) (Outcome[T], error) {
	var out Outcome[T]
	root := &Scorecard{}
	rootOps := &Ops{engine: e, card: root}

	var ids []string
	err := rootOps.Do(ctx, "enumerate", func(ctx context.Context) error {
		var err error
		ids, err = enumerate(ctx)
		return err
	})
	if err != nil {
		if provider.IsPermanent(err) {
			return out, err
		}
		return out, provider.Transient(fmt.Errorf("enumerate: %w", err))
	}

	items := make([]Item[T], len(ids))
	started := len(ids)
	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))
	var wg sync.WaitGroup
	for i, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context ended; remaining items are never attempted.
			started = i
			break
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer sem.Release(1)
			card := &Scorecard{}
			v, err := process(ctx, id, &Ops{engine: e, card: card})
			items[i] = Item[T]{
				ID:         id,
				Value:      v,
				Attempted:  card.Attempted(),
				Successful: card.Successful(),
				Valid:      err == nil && card.Successful() > 0,
			}
			if err != nil {
				e.logger.Debug("item excluded", "id", id, "error", err)
			}
		}(i, id)
	}
	wg.Wait()
	out.Items = items[:started]

	attempted, successful := root.Attempted(), root.Successful()
	for _, it := range out.Items {
		attempted += it.Attempted
		successful += it.Successful
		if it.Valid {
			out.Stats.ValidPositions++
		}
	}
	out.Stats.Positions = len(ids)
	out.Stats.OperationsAttempted = attempted
	out.Stats.OperationsSuccessful = successful
	out.Stats.SuccessRate = rate(successful, attempted)

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if out.Stats.SuccessRate < e.cfg.MinSuccessRate {
		return out, &provider.Error{
			Code: model.ErrorCodeInsufficientSuccessRate,
			Err: fmt.Errorf("success rate %.3f below %.3f (%d/%d operations)",
				out.Stats.SuccessRate, e.cfg.MinSuccessRate, successful, attempted),
		}
	}
	return out, nil
}

func rate(successful, attempted int64) float64 {
	if attempted == 0 {
		return 1
	}
	return float64(successful) / float64(attempted)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
