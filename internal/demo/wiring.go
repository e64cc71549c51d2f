package demo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.flowmediator.dev/batch"
	"go.flowmediator.dev/idgen"
	"go.flowmediator.dev/mediator"
	"go.flowmediator.dev/pipeline"
	"go.flowmediator.dev/store"
)

// Deps bundles every infrastructure component the demo wiring needs,
// built by cmd/flowmediator/main.go from config.Config.
type Deps struct {
	Ids      *idgen.Generator
	Inbox    store.InboxStore
	Outbox   store.OutboxStore
	Logger   *slog.Logger
	Observer mediator.Observer
	Batcher  *batch.Batcher

	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	InboxRetention   time.Duration
	OutboxRetention  time.Duration

	CircuitBreaker pipeline.CircuitBreakerConfig
}

// Build composes the standard behavior chain (Logging, Validation, Retry,
// CircuitBreaker, and Idempotency when an inbox is configured) and
// registers the sample CreateOrder/OrderCreated domain on a new Mediator.
//
// Outbox is deliberately left out of this chain: it never calls next once
// a store is configured, so wiring it in front of NewCreateOrderHandler
// would stop the handler from ever running and CreateOrder would lose its
// synchronous OrderCreated response. deps.Outbox is wired directly into
// outboxproc.Processor by cmd/flowmediator instead, draining rows written
// by types that use pipeline.NewOutbox in their own TypeProfile.Behaviors.
func Build(deps Deps) (*mediator.Mediator, *MemoryOrderStore) {
	behaviors := []pipeline.Behavior{
		pipeline.NewLogging(deps.Logger),
		pipeline.NewValidation(),
		pipeline.NewRetry(deps.RetryMaxAttempts, deps.RetryBaseBackoff),
		pipeline.NewCircuitBreaker(deps.CircuitBreaker),
	}
	if deps.Inbox != nil {
		behaviors = append(behaviors, pipeline.NewIdempotency(deps.Inbox, deps.InboxRetention))
	}

	var opts []mediator.Option
	if deps.Batcher != nil {
		opts = append(opts, mediator.WithBatcher(deps.Batcher))
	}
	if deps.Observer != nil {
		opts = append(opts, mediator.WithObserver(deps.Observer))
	}

	m := mediator.New(deps.Ids, behaviors, opts...)

	if deps.Batcher != nil {
		mediator.SetProfile[CreateOrder](m, mediator.TypeProfile{
			BatchEnabled: true,
			BatchKeyFunc: func(req any) string {
				order, _ := req.(CreateOrder)
				return order.SKU
			},
		})
	}

	orderStore := NewMemoryOrderStore()
	mediator.RegisterHandler[CreateOrder, OrderCreated](m, NewCreateOrderHandler(deps.Ids, orderStore))
	mediator.RegisterEventHandler[OrderCreated](m, "demo.order-created-logger", NewOrderCreatedLogger(func(format string, args ...any) {
		deps.Logger.Info("demo event", "detail", fmt.Sprintf(format, args...))
	}))

	return m, orderStore
}

// PublishOnSuccess fans out order as an OrderCreated event to its
// subscribers; callers invoke it after a successful CreateOrder Send. It
// takes no part in the Send itself — this is a thin sample of
// the "event published after command succeeds" CQRS convention, left as
// an explicit caller-side step rather than baked into the pipeline, since
// spec.md keeps Send and Publish as distinct top-level operations.
func PublishOnSuccess(ctx context.Context, m *mediator.Mediator, order OrderCreated) {
	mediator.Publish(ctx, m, order)
}
