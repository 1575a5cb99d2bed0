// Package queue defines the transport that delivers task batches to the
// dispatch consumers, and an in-memory implementation with delayed delivery
// and at-least-once redelivery semantics.
package queue

import (
	"context"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/task"
)

// Message is one delivered task envelope.
//
// Consumers MUST call Ack exactly once per received message, after the local
// handling attempt completes (success or failure). Implementations tolerate
// duplicate Ack calls (only the first takes effect) but the dispatch layer is
// written to call it once.
type Message interface {
	// Body returns the raw task payload.
	Body() []byte
	// Ack marks the message consumed; it will not be redelivered.
	Ack()
}

// Publisher enqueues tasks for later consumption. A non-zero delay makes the
// message invisible until the delay elapses (delayed delivery is a transport
// capability, not consumer-side bookkeeping).
type Publisher interface {
	Publish(ctx context.Context, t task.Task, delay time.Duration) error
}

// Consumer drains batches of pending messages. Receive returns immediately
// with up to max visible messages (possibly none).
type Consumer interface {
	Receive(ctx context.Context, max int) ([]Message, error)
}

// Transport is both ends of a queue.
type Transport interface {
	Publisher
	Consumer
}
