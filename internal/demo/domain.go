// Package demo wires a small sample domain (order creation) through the
// mediator, the way the teacher's cmd/flowcatalyst/main.go wires concrete
// dispatch pools and HTTP handlers around its platform domain types. It
// exists to exercise every module this repository provides end to end,
// not as a reusable library.
package demo

import (
	"context"
	"errors"

	"go.flowmediator.dev/pipeline"
	"go.flowmediator.dev/result"
)

// CreateOrder is a sample command request.
type CreateOrder struct {
	CustomerId string
	SKU        string
	Quantity   int
}

// Validate implements pipeline.Validator so the Validation behavior
// rejects malformed requests before they reach the handler.
func (c CreateOrder) Validate() error {
	if c.CustomerId == "" {
		return errors.New("customerId is required")
	}
	if c.SKU == "" {
		return errors.New("sku is required")
	}
	if c.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	return nil
}

// OrderCreated is the response CreateOrder produces, and also the event
// published after the command succeeds.
type OrderCreated struct {
	OrderId    int64
	CustomerId string
	SKU        string
	Quantity   int
}

// OrderStore is the minimal persistence surface the sample handler needs,
// standing in for a real write-model repository.
type OrderStore interface {
	Save(ctx context.Context, order OrderCreated) error
}

// MemoryOrderStore is an in-process OrderStore for the demo binary.
type MemoryOrderStore struct {
	orders []OrderCreated
}

func NewMemoryOrderStore() *MemoryOrderStore { return &MemoryOrderStore{} }

func (s *MemoryOrderStore) Save(ctx context.Context, order OrderCreated) error {
	s.orders = append(s.orders, order)
	return nil
}

func (s *MemoryOrderStore) Count() int { return len(s.orders) }

// NewCreateOrderHandler builds the CreateOrder command handler, assigning
// the order its id from the shared idgen.Generator.
func NewCreateOrderHandler(ids interface{ NextId() (int64, error) }, store OrderStore) func(ctx context.Context, req CreateOrder) result.Result[OrderCreated] {
	return func(ctx context.Context, req CreateOrder) result.Result[OrderCreated] {
		orderId, err := ids.NextId()
		if err != nil {
			return result.FailFrom[OrderCreated](result.InternalError, "failed to assign order id", err)
		}
		order := OrderCreated{
			OrderId:    orderId,
			CustomerId: req.CustomerId,
			SKU:        req.SKU,
			Quantity:   req.Quantity,
		}
		if err := store.Save(ctx, order); err != nil {
			return result.FailFrom[OrderCreated](result.PersistenceFailed, "failed to save order", err).WithRetryable(true)
		}
		return result.Ok(order)
	}
}

// NewOrderCreatedLogger is a sample OrderCreated event handler.
func NewOrderCreatedLogger(log func(format string, args ...any)) func(ctx context.Context, ev OrderCreated) error {
	return func(ctx context.Context, ev OrderCreated) error {
		log("order created: id=%d customer=%s sku=%s qty=%d", ev.OrderId, ev.CustomerId, ev.SKU, ev.Quantity)
		return nil
	}
}

// Compile-time check that CreateOrder satisfies pipeline.Validator, the
// interface the Validation behavior type-asserts the request against.
var _ pipeline.Validator = CreateOrder{}
