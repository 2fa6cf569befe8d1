package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emperorhan/position-aggregator/internal/broker"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	fieldRoutingKey = "routing_key"
	fieldBody       = "body"

	defaultStreamMaxLen = 100_000
	autoClaimBatch      = 32
)

// StreamConfig configures the Redis Streams broker.
type StreamConfig struct {
	// Prefix namespaces the exchange stream key.
	Prefix    string
	Block     time.Duration
	ClaimIdle time.Duration
	MaxLen    int64
}

// Stream is a topic exchange over one Redis stream. Each queue is a
// consumer group; deliveries whose routing key does not match the queue's
// pattern are acknowledged and skipped. Unacknowledged deliveries are
// reclaimed with XAUTOCLAIM once idle for ClaimIdle. While a handler runs,
// its delivery is re-claimed by the same consumer every ClaimIdle/3 so a
// slow handler is never mistaken for a dead one.
type Stream struct {
	client *redis.Client
	cfg    StreamConfig
	logger *slog.Logger
}

var _ broker.Broker = (*Stream)(nil)

func NewStream(client *redis.Client, cfg StreamConfig, logger *slog.Logger) *Stream {
	if cfg.Prefix == "" {
		cfg.Prefix = "aggregator"
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultStreamMaxLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "broker", "backend", "redis"),
	}
}

func (s *Stream) streamKey() string {
	return s.cfg.Prefix + ":exchange"
}

func (s *Stream) Publish(ctx context.Context, routingKey string, body []byte) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(),
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			fieldRoutingKey: routingKey,
			fieldBody:       body,
		},
	}).Err()
	if err != nil {
		metrics.BrokerPublishErrors.WithLabelValues(routingKey).Inc()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	metrics.BrokerPublished.WithLabelValues(routingKey).Inc()
	return nil
}

// EnsureGroup declares a queue. A new group starts at the beginning of the
// retained stream so units published before the first worker started are
// still delivered.
func (s *Stream) EnsureGroup(ctx context.Context, queue string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.streamKey(), queue, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", queue, err)
	}
	return nil
}

func (s *Stream) Consume(ctx context.Context, sub broker.Subscription, handler broker.Handler) error {
	if err := s.EnsureGroup(ctx, sub.Queue); err != nil {
		return err
	}
	workers := sub.Concurrency
	if workers <= 0 {
		workers = 1
	}
	host, _ := os.Hostname()
	log := s.logger.With("queue", sub.Queue, "pattern", sub.Pattern)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		consumer := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		g.Go(func() error {
			return s.readLoop(gCtx, sub, consumer, handler, log)
		})
	}
	g.Go(func() error {
		return s.claimLoop(gCtx, sub, fmt.Sprintf("%s-%d-claim", host, os.Getpid()), handler, log)
	})

	log.Info("stream consumer started", "workers", workers)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Stream) readLoop(ctx context.Context, sub broker.Subscription, consumer string, handler broker.Handler, log *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.Queue,
			Consumer: consumer,
			Streams:  []string{s.streamKey(), ">"},
			Count:    1,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("xreadgroup failed", "consumer", consumer, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, st := range streams {
			for _, m := range st.Messages {
				s.deliver(ctx, sub, consumer, m, false, handler, log)
			}
		}
	}
}

func (s *Stream) claimLoop(ctx context.Context, sub broker.Subscription, consumer string, handler broker.Handler, log *slog.Logger) error {
	ticker := time.NewTicker(s.cfg.ClaimIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.ClaimIdle(ctx, sub, consumer, handler); err != nil && ctx.Err() == nil {
			log.Warn("xautoclaim failed", "error", err)
		}
	}
}

// ClaimIdle redelivers every pending message idle for longer than
// ClaimIdle to handler.
func (s *Stream) ClaimIdle(ctx context.Context, sub broker.Subscription, consumer string, handler broker.Handler) error {
	start := "0-0"
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.streamKey(),
			Group:    sub.Queue,
			MinIdle:  s.cfg.ClaimIdle,
			Start:    start,
			Count:    autoClaimBatch,
			Consumer: consumer,
		}).Result()
		if err != nil {
			return fmt.Errorf("xautoclaim %s: %w", sub.Queue, err)
		}
		for _, m := range msgs {
			s.deliver(ctx, sub, consumer, m, true, handler, s.logger)
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (s *Stream) deliver(ctx context.Context, sub broker.Subscription, consumer string, m redis.XMessage, redelivered bool, handler broker.Handler, log *slog.Logger) {
	routingKey, _ := m.Values[fieldRoutingKey].(string)
	if !broker.Match(sub.Pattern, routingKey) {
		s.ack(ctx, sub.Queue, m.ID, log)
		return
	}
	body, _ := m.Values[fieldBody].(string)
	msg := broker.Message{
		ID:          m.ID,
		RoutingKey:  routingKey,
		Body:        []byte(body),
		Redelivered: redelivered,
	}
	stop := s.keepAlive(ctx, sub.Queue, consumer, m.ID, log)
	err := handler(ctx, msg)
	stop()
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("handler failed, leaving message pending", "id", m.ID, "routing_key", routingKey, "error", err)
		}
		return
	}
	s.ack(ctx, sub.Queue, m.ID, log)
}

// keepAlive resets the idle time of a pending delivery until the returned
// func is called. The returned func blocks until the refresher has exited.
func (s *Stream) keepAlive(ctx context.Context, queue, consumer, id string, log *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.ClaimIdle / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := s.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   s.streamKey(),
				Group:    queue,
				Consumer: consumer,
				Messages: []string{id},
			}).Err()
			if err != nil && ctx.Err() == nil {
				log.Warn("xclaim keepalive failed", "id", id, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Stream) ack(ctx context.Context, queue, id string, log *slog.Logger) {
	// Detached: a handled message is acknowledged even during shutdown.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.client.XAck(ackCtx, s.streamKey(), queue, id).Err(); err != nil {
		log.Warn("xack failed", "id", id, "error", err)
	}
}

func (s *Stream) Close() error {
	return nil
}
