package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const memoryQueueBuffer = 1024

type memoryQueue struct {
	pattern string
	ch      chan Message
}

// Memory is an in-process broker with topic routing and redelivery on
// handler error. Messages live only as long as the process.
type Memory struct {
	mu     sync.RWMutex
	queues map[string]*memoryQueue
	closed bool
	seq    atomic.Uint64
	logger *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		queues: make(map[string]*memoryQueue),
		logger: logger.With("component", "broker", "backend", "memory"),
	}
}

// Declare creates the queue binding ahead of any Consume call so messages
// published before the first consumer starts are retained.
func (m *Memory) Declare(queue, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.declareLocked(queue, pattern)
}

func (m *Memory) declareLocked(queue, pattern string) error {
	if q, ok := m.queues[queue]; ok {
		if q.pattern != pattern {
			return fmt.Errorf("queue %q already bound to %q", queue, q.pattern)
		}
		return nil
	}
	m.queues[queue] = &memoryQueue{pattern: pattern, ch: make(chan Message, memoryQueueBuffer)}
	return nil
}

func (m *Memory) Publish(ctx context.Context, routingKey string, body []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{
		ID:         strconv.FormatUint(m.seq.Add(1), 10),
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
	}
	for name, q := range m.queues {
		if !Match(q.pattern, routingKey) {
			continue
		}
		select {
		case q.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("queue %q full", name)
		}
	}
	return nil
}

func (m *Memory) Consume(ctx context.Context, sub Subscription, handler Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err := m.declareLocked(sub.Queue, sub.Pattern); err != nil {
		m.mu.Unlock()
		return err
	}
	q := m.queues[sub.Queue]
	m.mu.Unlock()

	workers := sub.Concurrency
	if workers <= 0 {
		workers = 1
	}
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return nil
				case msg := <-q.ch:
					if err := handler(gCtx, msg); err != nil {
						if gCtx.Err() != nil {
							return nil
						}
						m.logger.Warn("handler failed, requeueing", "queue", sub.Queue, "routing_key", msg.RoutingKey, "error", err)
						msg.Redelivered = true
						select {
						case q.ch <- msg:
						default:
							// Queue full: wait for space off the worker so it keeps draining.
							g.Go(func() error {
								select {
								case q.ch <- msg:
								case <-gCtx.Done():
									m.logger.Warn("requeue abandoned on shutdown", "queue", sub.Queue, "id", msg.ID)
								}
								return nil
							})
						}
					}
				}
			}
		})
	}
	return g.Wait()
}

// Depth returns the number of queued messages, for tests and health.
func (m *Memory) Depth(queue string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.ch)
	}
	return 0
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
