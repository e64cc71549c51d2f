// Package mediator implements the core dispatch engine (spec.md C7 /
// §4.2): typed Send/Publish, handler resolution by static type identity
// with no runtime type discovery beyond a type-keyed registry built at
// registration time, pipeline composition via package pipeline, and
// concurrent event fan-out with full error collection.
package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowmediator.dev/pipeline"
	"go.flowmediator.dev/result"
	"go.flowmediator.dev/serializer"
)

// IdSource assigns the MessageId for each Send/Publish call; satisfied by
// *idgen.Generator. A *Mediator is constructed with one process-wide
// IdSource, per spec.md §9's "process-wide singleton" design note.
type IdSource interface {
	NextId() (int64, error)
}

// HasMessageId is implemented by a request type that carries its own
// caller-assigned MessageId (spec.md §3: "every message carries a
// MessageId... consulted before handler execution"). Send type-asserts
// req against this interface before falling back to m.ids.NextId(), so a
// caller retrying the same request with the same id is deduplicated by
// the Idempotency behavior rather than minting a fresh id every time.
type HasMessageId interface {
	GetMessageId() int64
}

// Batcher is implemented by package batch's Batcher. When a request type
// has auto-batching enabled, Send routes through it instead of invoking
// the chain directly; the batcher itself eventually calls back into the
// chain for a flushed group.
type Batcher interface {
	// Enabled reports whether requestType is configured for auto-batching.
	Enabled(requestType string) bool
	// Submit enqueues req under batchKey and blocks until its result is
	// available (or ctx is cancelled), eventually invoking exec for the
	// request's own slot in a flush.
	Submit(ctx context.Context, requestType, batchKey string, req any, exec func(context.Context, any) result.Result[any]) result.Result[any]
}

// DeadLetterEntry is what gets enqueued on terminal failure (spec.md
// §4.3 DeadLetter, §4.2 "On any failure, publish to dead-letter queue").
type DeadLetterEntry struct {
	RequestType string
	MessageId   int64
	Request     any
	LastResult  result.Result[any]
}

// DeadLetterQueue receives terminally-failed requests/events.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, entry DeadLetterEntry) error
}

// Observer receives counts/durations for the normative metric names in
// spec.md §6; kept as a small local interface (rather than an import of
// package metrics) so the mediator has no dependency on Prometheus.
type Observer interface {
	ObserveCommand(requestType string, ok bool, durationSeconds float64)
	ObserveEvent(eventType string, ok bool)
	ObserveError(errorCode result.ErrorCode)
}

type noopObserver struct{}

func (noopObserver) ObserveCommand(string, bool, float64) {}
func (noopObserver) ObserveEvent(string, bool)             {}
func (noopObserver) ObserveError(result.ErrorCode)         {}

// requestHandlerEntry is the type-erased form of a HandlerFunc[T,R],
// invoked through a closure captured at RegisterHandler time so Send
// never needs reflection beyond the initial map lookup by type.
type requestHandlerEntry struct {
	typeName string
	invoke   func(ctx context.Context, req any) result.Result[any]
}

type eventHandlerEntry struct {
	name   string
	invoke func(ctx context.Context, ev any) error
}

// TypeProfile carries per-request-type pipeline/batch configuration.
type TypeProfile struct {
	Behaviors     []pipeline.Behavior // overrides Mediator.defaultBehaviors when non-nil
	BatchKeyFunc  func(req any) string
	BatchEnabled  bool
}

// Mediator is the central dispatch engine: handler registry + composed
// pipeline + optional batcher/DLQ/observer.
type Mediator struct {
	mu               sync.RWMutex
	requestHandlers  map[reflect.Type][]requestHandlerEntry
	eventHandlers    map[reflect.Type][]eventHandlerEntry
	profiles         map[reflect.Type]TypeProfile

	ids              IdSource
	defaultBehaviors []pipeline.Behavior
	chains           pipeline.Cache
	batcher          Batcher
	dlq              DeadLetterQueue
	observer         Observer
	serializers      *serializer.Registry
}

// Option configures a Mediator at construction time.
type Option func(*Mediator)

func WithBatcher(b Batcher) Option            { return func(m *Mediator) { m.batcher = b } }
func WithDeadLetterQueue(d DeadLetterQueue) Option { return func(m *Mediator) { m.dlq = d } }
func WithObserver(o Observer) Option          { return func(m *Mediator) { m.observer = o } }

// WithSerializers overrides the registry used to decode idempotency-replayed
// response bytes back into their concrete type (spec.md §6). Defaults to a
// fresh serializer.NewRegistry() (JSON-only) when not supplied.
func WithSerializers(r *serializer.Registry) Option { return func(m *Mediator) { m.serializers = r } }

// New constructs a Mediator. ids is required; defaultBehaviors compose the
// chain for any type without a per-type TypeProfile override.
func New(ids IdSource, defaultBehaviors []pipeline.Behavior, opts ...Option) *Mediator {
	m := &Mediator{
		requestHandlers: make(map[reflect.Type][]requestHandlerEntry),
		eventHandlers:   make(map[reflect.Type][]eventHandlerEntry),
		profiles:        make(map[reflect.Type]TypeProfile),
		ids:             ids,
		defaultBehaviors: defaultBehaviors,
		observer:        noopObserver{},
		serializers:     serializer.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandlerFunc processes one request of type T, producing a response of
// type R as a Result.
type HandlerFunc[T any, R any] func(ctx context.Context, req T) result.Result[R]

// RegisterHandler registers the handler for request type T. Registering a
// second handler for the same T does not error immediately (spec.md §9:
// runtime HandlerFailed, not a registration-time error) — Send detects the
// ambiguity and fails HandlerFailed at call time.
func RegisterHandler[T any, R any](m *Mediator, handler HandlerFunc[T, R]) {
	var zero T
	t := reflect.TypeOf(zero)
	entry := requestHandlerEntry{
		typeName: typeName(t),
		invoke: func(ctx context.Context, req any) result.Result[any] {
			typed, _ := req.(T)
			r := handler(ctx, typed)
			return result.Map(r, func(v R) any { return v })
		},
	}
	m.mu.Lock()
	m.requestHandlers[t] = append(m.requestHandlers[t], entry)
	m.mu.Unlock()
}

// SetProfile installs a per-type pipeline/batch profile for T, overriding
// Mediator-level defaults for that type (spec.md §4.4 "per-type profile").
func SetProfile[T any](m *Mediator, profile TypeProfile) {
	var zero T
	t := reflect.TypeOf(zero)
	m.mu.Lock()
	m.profiles[t] = profile
	m.mu.Unlock()
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// resolveMessageId uses req's own id when it carries one via HasMessageId,
// so repeated Sends of the same logical request collide on the same
// MessageId for the Idempotency behavior; otherwise it mints a fresh one.
func resolveMessageId(ids IdSource, req any) (int64, error) {
	if withId, ok := req.(HasMessageId); ok {
		return withId.GetMessageId(), nil
	}
	return ids.NextId()
}

// Send dispatches req to its registered handler through the composed
// pipeline, per spec.md §4.2.
func Send[T any, R any](ctx context.Context, m *Mediator, req T) result.Result[R] {
	start := time.Now()
	t := reflect.TypeOf(req)
	name := typeName(t)

	m.mu.RLock()
	entries := m.requestHandlers[t]
	profile, hasProfile := m.profiles[t]
	m.mu.RUnlock()

	if len(entries) == 0 {
		m.observer.ObserveError(result.HandlerFailed)
		return result.Fail[R](result.HandlerFailed, "no handler registered for "+name).
			WithMetadata("reason", "handler_not_registered")
	}
	if len(entries) > 1 {
		m.observer.ObserveError(result.HandlerFailed)
		return result.Fail[R](result.HandlerFailed, "multiple handlers registered for "+name).
			WithMetadata("reason", "ambiguous_handler")
	}
	handlerInvoke := entries[0].invoke

	messageId, err := resolveMessageId(m.ids, req)
	if err != nil {
		return result.FailFrom[R](result.InternalError, "failed to assign message id", err)
	}

	behaviors := m.defaultBehaviors
	if hasProfile && profile.Behaviors != nil {
		behaviors = profile.Behaviors
	}

	exec := func(ctx context.Context, r any) result.Result[any] {
		chain := m.chains.GetOrCompose(name, behaviors, func(ctx context.Context, inv *pipeline.Invocation) result.Result[any] {
			return recoverHandler(inv.RequestType, func() result.Result[any] { return handlerInvoke(ctx, inv.Request) })
		})
		inv := &pipeline.Invocation{MessageId: messageId, RequestType: name, Request: r}
		return chain.Invoke(ctx, inv)
	}

	var out result.Result[any]
	if hasProfile && profile.BatchEnabled && m.batcher != nil && m.batcher.Enabled(name) {
		key := ""
		if profile.BatchKeyFunc != nil {
			key = profile.BatchKeyFunc(req)
		}
		out = m.batcher.Submit(ctx, name, key, req, exec)
	} else {
		out = exec(ctx, req)
	}

	if out.IsFailure() {
		m.observer.ObserveError(out.ErrorCode())
		if m.dlq != nil && terminal(out) {
			_ = m.dlq.Enqueue(ctx, DeadLetterEntry{RequestType: name, MessageId: messageId, Request: req, LastResult: out})
		}
	}
	m.observer.ObserveCommand(name, out.IsOk(), time.Since(start).Seconds())

	return result.Map(out, func(v any) R {
		return decodeTypedValue[R](m.serializers, name, v)
	})
}

// decodeTypedValue converts a pipeline outcome value into R. The direct
// dispatch path already produces a concrete R (RegisterHandler's invoke
// closure returns it as an any wrapping R), so the plain type assertion
// handles it. A replayed Idempotency hit instead comes back as the raw
// json.RawMessage it was persisted as (pipeline has no knowledge of R), so
// that case is decoded via the registry, looked up by request type name
// and falling back to the registry's default codec.
func decodeTypedValue[R any](registry *serializer.Registry, requestType string, v any) R {
	var zero R
	raw, isRaw := v.(json.RawMessage)
	if !isRaw {
		typed, _ := v.(R)
		return typed
	}
	if len(raw) == 0 {
		return zero
	}
	ser, ok := registry.Get(requestType)
	if !ok {
		ser = registry.Default()
	}
	var typed R
	if err := ser.Deserialize(raw, &typed); err != nil {
		return zero
	}
	return typed
}

func terminal(r result.Result[any]) bool {
	return r.IsFailure() && !r.Retryable()
}

func recoverHandler(requestType string, fn func() result.Result[any]) (out result.Result[any]) {
	defer func() {
		if rec := recover(); rec != nil {
			out = result.Fail[any](result.HandlerFailed, fmt.Sprintf("handler for %s panicked: %v", requestType, rec))
		}
	}()
	return fn()
}

// EventHandlerFunc processes one event of type E, with no response value.
type EventHandlerFunc[E any] func(ctx context.Context, ev E) error

// RegisterEventHandler adds a handler for event type E. Zero, one, or many
// handlers may be registered for the same E; all registered handlers are
// invoked on Publish.
func RegisterEventHandler[E any](m *Mediator, name string, handler EventHandlerFunc[E]) {
	if name == "" {
		name = uuid.NewString()
	}
	var zero E
	t := reflect.TypeOf(zero)
	entry := eventHandlerEntry{
		name: name,
		invoke: func(ctx context.Context, ev any) error {
			typed, _ := ev.(E)
			return handler(ctx, typed)
		},
	}
	m.mu.Lock()
	m.eventHandlers[t] = append(m.eventHandlers[t], entry)
	m.mu.Unlock()
}

// Publish fans out ev to every registered handler for its type
// concurrently, collecting all errors (spec.md §4.2 Events). Zero
// registered handlers is legal and returns success.
func Publish[E any](ctx context.Context, m *Mediator, ev E) result.Result[struct{}] {
	t := reflect.TypeOf(ev)
	name := typeName(t)

	m.mu.RLock()
	entries := append([]eventHandlerEntry(nil), m.eventHandlers[t]...)
	m.mu.RUnlock()

	if len(entries) == 0 {
		m.observer.ObserveEvent(name, true)
		return result.Ok(struct{}{})
	}

	messageId, err := m.ids.NextId()
	if err != nil {
		return result.FailFrom[struct{}](result.InternalError, "failed to assign message id", err)
	}

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(entries))
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e eventHandlerEntry) {
			defer wg.Done()
			err := recoverEvent(name, func() error { return e.invoke(ctx, ev) })
			results <- outcome{name: e.name, err: err}
		}(e)
	}
	wg.Wait()
	close(results)

	var failures []string
	for o := range results {
		if o.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", o.name, o.err))
		}
	}

	if len(failures) > 0 {
		m.observer.ObserveEvent(name, false)
		m.observer.ObserveError(result.HandlerFailed)
		r := result.Fail[struct{}](result.HandlerFailed, fmt.Sprintf("%d of %d event handlers failed for %s", len(failures), len(entries), name)).
			WithMetadata("failures", fmt.Sprintf("%v", failures))
		if m.dlq != nil {
			_ = m.dlq.Enqueue(ctx, DeadLetterEntry{
				RequestType: name,
				MessageId:   messageId,
				Request:     ev,
				LastResult:  result.Map(r, func(struct{}) any { return nil }),
			})
		}
		return r
	}

	m.observer.ObserveEvent(name, true)
	return result.Ok(struct{}{})
}

func recoverEvent(eventType string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("event handler for %s panicked: %v", eventType, rec)
		}
	}()
	return fn()
}
