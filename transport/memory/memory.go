// Package memory implements an in-process transport.Transport for tests
// and the demo binary: Publish/Send fan out synchronously to locally
// registered Subscribe handlers, with no network or broker involved.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.flowmediator.dev/transport"
)

// Transport is an in-memory transport.Transport. Safe for concurrent use.
type Transport struct {
	mu       sync.RWMutex
	handlers map[string][]transport.Handler
	accepting bool
	inFlight  sync.WaitGroup

	healthMu    sync.Mutex
	lastCheck   time.Time
}

// New constructs a ready-to-initialize in-memory Transport.
func New() *Transport {
	return &Transport{handlers: make(map[string][]transport.Handler)}
}

func (t *Transport) Name() string { return "memory" }

func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	t.accepting = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) StopAcceptingMessages() error {
	t.mu.Lock()
	t.accepting = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Dispose(ctx context.Context) error {
	return nil
}

func (t *Transport) HealthStatus() transport.HealthStatus {
	t.healthMu.Lock()
	t.lastCheck = time.Now()
	t.healthMu.Unlock()
	return transport.HealthStatus{Healthy: true}
}

func (t *Transport) LastHealthCheck() time.Time {
	t.healthMu.Lock()
	defer t.healthMu.Unlock()
	return t.lastCheck
}

func (t *Transport) Subscribe(ctx context.Context, msgType string, handler transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = append(t.handlers[msgType], handler)
	return nil
}

func (t *Transport) Publish(ctx context.Context, msgType string, data []byte, opts transport.PublishOptions) error {
	return t.deliver(ctx, msgType, data, opts)
}

func (t *Transport) Send(ctx context.Context, msgType string, data []byte, destination string, opts transport.PublishOptions) error {
	return t.deliver(ctx, msgType, data, opts)
}

func (t *Transport) deliver(ctx context.Context, msgType string, data []byte, opts transport.PublishOptions) error {
	t.mu.RLock()
	accepting := t.accepting
	handlers := append([]transport.Handler(nil), t.handlers[msgType]...)
	t.mu.RUnlock()

	if !accepting {
		return fmt.Errorf("memory transport: not accepting messages")
	}
	if len(handlers) == 0 {
		return nil
	}

	t.inFlight.Add(1)
	defer t.inFlight.Done()

	msg := transport.InboundMessage{
		Type:         msgType,
		Data:         data,
		MessageGroup: opts.MessageGroup,
		Metadata:     opts.Metadata,
		Ack:          func() error { return nil },
		Nak:          func() error { return nil },
		NakWithDelay: func(time.Duration) error { return nil },
	}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return fmt.Errorf("memory transport: handler for %s: %w", msgType, err)
		}
	}
	return nil
}
