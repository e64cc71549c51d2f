// Package pipeline implements the ordered behavior chain around each
// handler invocation (spec.md C6 / §4.2): Behaviors are composed by
// declared priority, higher running outermost, and the composed chain for
// a given request type is cached after first use (spec.md §9: "composed
// once and cached").
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.flowmediator.dev/result"
)

// Standard priorities from spec.md §4.2. Higher runs outermost.
const (
	PriorityLogging        = 1000
	PriorityValidation     = 900
	PriorityRetry          = 800
	PriorityCircuitBreaker = 700
	PriorityIdempotency    = 600
	PriorityCustom         = 500
	PriorityOutbox         = 400
)

// Invocation is the context threaded through the behavior chain for one
// send/publish call. Request is opaque to the pipeline itself (typed
// dispatch happens one layer up, in package mediator); a behavior
// inspects it via Invocation.Request but per spec.md §3's invariant
// ("a behavior never mutates the request") must treat it as read-only.
type Invocation struct {
	MessageId   int64
	RequestType string
	Request     any
	Metadata    map[string]string
}

// Next invokes the remainder of the chain (eventually the handler itself).
type Next func(ctx context.Context, inv *Invocation) result.Result[any]

// Behavior is one link in the pipeline. Handle MAY call next zero or one
// time, MAY wrap/replace the result, and MUST NOT mutate inv.Request.
type Behavior interface {
	Name() string
	Priority() int
	Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any]
}

// Func adapts a plain function to Behavior for simple/custom behaviors.
type Func struct {
	FuncName     string
	FuncPriority int
	Fn           func(ctx context.Context, inv *Invocation, next Next) result.Result[any]
}

func (f Func) Name() string     { return f.FuncName }
func (f Func) Priority() int    { return f.FuncPriority }
func (f Func) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	return f.Fn(ctx, inv, next)
}

// Chain is a composed, ready-to-invoke behavior pipeline for one request
// type, ending in the handler itself.
type Chain struct {
	invoke Next
}

// Invoke runs the full chain for inv, terminating in the handler passed to
// Compose.
func (c *Chain) Invoke(ctx context.Context, inv *Invocation) result.Result[any] {
	return c.invoke(ctx, inv)
}

// Compose builds a Chain from behaviors (sorted by descending priority,
// ties broken by registration order for determinism) wrapping handler.
// Behavior exceptions are recovered here and converted to PipelineFailed,
// per spec.md §4.2's error-mapping rule.
func Compose(behaviors []Behavior, handler Next) *Chain {
	ordered := make([]Behavior, len(behaviors))
	copy(ordered, behaviors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})

	next := handler
	for i := len(ordered) - 1; i >= 0; i-- {
		b := ordered[i]
		inner := next
		next = func(ctx context.Context, inv *Invocation) (out result.Result[any]) {
			defer func() {
				if r := recover(); r != nil {
					out = result.Fail[any](result.PipelineFailed, fmt.Sprintf("behavior %s panicked: %v", b.Name(), r))
				}
			}()
			return b.Handle(ctx, inv, inner)
		}
	}
	return &Chain{invoke: next}
}

// Cache memoizes a Chain per request type, keyed by the type's registered
// name. Reads are lock-free via sync.Map (read-mostly, write-on-miss),
// matching spec.md §5's "Behavior chain cache" resource-model entry.
type Cache struct {
	chains sync.Map // map[string]*Chain
}

// GetOrCompose returns the cached Chain for requestType, composing and
// storing it on first use.
func (c *Cache) GetOrCompose(requestType string, behaviors []Behavior, handler Next) *Chain {
	if v, ok := c.chains.Load(requestType); ok {
		return v.(*Chain)
	}
	chain := Compose(behaviors, handler)
	actual, _ := c.chains.LoadOrStore(requestType, chain)
	return actual.(*Chain)
}

// Invalidate drops a cached chain, e.g. after behavior reconfiguration.
func (c *Cache) Invalidate(requestType string) {
	c.chains.Delete(requestType)
}
