// Package transport defines the Transport interface the core depends on
// (spec.md C5 / §6), directly generalized from the teacher's
// internal/queue/queue.go Message/Publisher/Consumer/Queue abstraction.
// Concrete backends live in transport/nats, transport/sqs, and
// transport/memory.
package transport

import (
	"context"
	"time"
)

// InboundMessage is a received message handed to a Subscribe handler.
// Ack/Nak/NakWithDelay mirror internal/queue/queue.go's Message interface,
// generalized from a specific broker's semantics to any Transport.
type InboundMessage struct {
	Id           int64
	Type         string
	Data         []byte
	MessageGroup string
	Metadata     map[string]string

	Ack          func() error
	Nak          func() error
	NakWithDelay func(delay time.Duration) error
}

// Handler processes one InboundMessage delivered by Subscribe.
type Handler func(ctx context.Context, msg InboundMessage) error

// PublishOptions customizes one Publish/Send call.
type PublishOptions struct {
	MessageGroup    string
	DeduplicationId string
	Metadata        map[string]string
}

// HealthStatus is what a Transport reports about itself, consumed by the
// health package's Transport aggregator (spec.md §4.8).
type HealthStatus struct {
	Healthy bool
	Detail  string
}

// Transport is the core's outbound/inbound messaging boundary (spec.md §6).
// Initialize/Publish/Send/Subscribe are required; StopAcceptingMessages,
// WaitForCompletion, and HealthStatus are optional lifecycle/health hooks a
// concrete transport may implement by additionally satisfying
// StopAccepter, Waiter, and/or HealthReporter below — the lifecycle host
// type-asserts for StopAccepter/Waiter/Disposer and cmd/flowmediator for
// HealthReporter rather than requiring a monolithic interface, matching
// spec.md §4.7's "if transport implements X" phrasing.
type Transport interface {
	Initialize(ctx context.Context) error
	Publish(ctx context.Context, msgType string, data []byte, opts PublishOptions) error
	Send(ctx context.Context, msgType string, data []byte, destination string, opts PublishOptions) error
	Subscribe(ctx context.Context, msgType string, handler Handler) error
}

// StopAccepter is implemented by a Transport that can fail new publishes
// fast once stopped (spec.md §4.7 "stopAcceptingMessages").
type StopAccepter interface {
	StopAcceptingMessages() error
}

// Waiter is implemented by a Transport that can report when in-flight work
// has drained (spec.md §4.7 "waitForCompletion").
type Waiter interface {
	WaitForCompletion(ctx context.Context) error
}

// Disposer is implemented by a Transport with a final teardown step.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// HealthReporter is implemented by a Transport with health introspection
// (spec.md §4.7/§4.8). cmd/flowmediator registers a transport health
// checker only for a Transport that implements it; otherwise no transport
// check is registered at all.
type HealthReporter interface {
	HealthStatus() HealthStatus
	LastHealthCheck() time.Time
}

// Name returns a transport's identifying name for health/metrics labels,
// if it implements Named; otherwise callers fall back to a configured name.
type Named interface {
	Name() string
}
