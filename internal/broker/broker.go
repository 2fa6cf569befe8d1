// Package broker defines the topic-routed message transport between the
// dispatcher, the workers and the result consumers.
//
// Routing follows topic-exchange rules: a routing key is a dot-separated
// list of words and a binding pattern may use "*" for exactly one word and
// "#" for zero or more words. Every queue whose pattern matches a published
// key receives its own copy; consumers of one queue compete for messages.
package broker

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Message is one delivery.
type Message struct {
	ID          string
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

// Handler processes one delivery. A nil error acknowledges the message. A
// non-nil error leaves it unacknowledged so the transport redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Subscription binds a named durable queue to a routing pattern.
type Subscription struct {
	Queue       string
	Pattern     string
	Concurrency int
}

// Broker is implemented by the in-memory transport and the Redis Streams
// transport in internal/store/redis.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	// Consume blocks, dispatching matching deliveries to handler until ctx
	// is done.
	Consume(ctx context.Context, sub Subscription, handler Handler) error
	Close() error
}

// Match reports whether routingKey matches a topic pattern.
func Match(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
