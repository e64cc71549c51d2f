// Package nats implements transport.Transport over NATS JetStream, grounded
// in internal/queue/nats/client.go: message-group and deduplication headers
// (Nats-Msg-Group, Nats-Msg-Id), X-Meta- metadata headers, and a
// per-consumer message iterator loop.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowmediator.dev/transport"
)

const (
	headerMsgGroup = "Nats-Msg-Group"
	headerMsgId    = "Nats-Msg-Id"
	headerMetaPrefix = "X-Meta-"
)

// Config configures the JetStream transport.
type Config struct {
	StreamName string
	// SubjectPrefix namespaces message-type subjects, e.g. "flowmediator.".
	SubjectPrefix string
	ConsumeWorkers int
}

// Transport is a transport.Transport backed by a JetStream stream. One
// subject per message type, named SubjectPrefix+msgType.
type Transport struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	consumers   []*consumerHandle
	accepting   bool
	lastCheck   time.Time
	healthOK    bool
}

type consumerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Transport. js must already be connected; the stream is
// created/updated lazily in Initialize.
func New(js jetstream.JetStream, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{js: js, cfg: cfg, logger: logger}
}

func (t *Transport) Name() string { return "nats" }

func (t *Transport) subject(msgType string) string {
	return t.cfg.SubjectPrefix + msgType
}

func (t *Transport) Initialize(ctx context.Context) error {
	stream, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     t.cfg.StreamName,
		Subjects: []string{t.cfg.SubjectPrefix + ">"},
	})
	if err != nil {
		return fmt.Errorf("nats transport: create stream %s: %w", t.cfg.StreamName, err)
	}
	t.mu.Lock()
	t.stream = stream
	t.accepting = true
	t.healthOK = true
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
	t.mu.Lock()
	handles := append([]*consumerHandle(nil), t.consumers...)
	t.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *Transport) Dispose(ctx context.Context) error {
	return nil
}

func (t *Transport) HealthStatus() transport.HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCheck = time.Now()
	if !t.healthOK {
		return transport.HealthStatus{Healthy: false, Detail: "jetstream stream unavailable"}
	}
	return transport.HealthStatus{Healthy: true}
}

func (t *Transport) LastHealthCheck() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCheck
}

func (t *Transport) Publish(ctx context.Context, msgType string, data []byte, opts transport.PublishOptions) error {
	return t.publish(ctx, msgType, data, opts)
}

func (t *Transport) Send(ctx context.Context, msgType string, data []byte, destination string, opts transport.PublishOptions) error {
	// destination is folded into the subject for point-to-point delivery.
	return t.publish(ctx, destination, data, opts)
}

func (t *Transport) publish(ctx context.Context, msgType string, data []byte, opts transport.PublishOptions) error {
	t.mu.Lock()
	accepting := t.accepting
	t.mu.Unlock()
	if !accepting {
		return fmt.Errorf("nats transport: not accepting messages")
	}

	msg := &nats.Msg{
		Subject: t.subject(msgType),
		Data:    data,
		Header:  make(nats.Header),
	}
	if opts.MessageGroup != "" {
		msg.Header.Set(headerMsgGroup, opts.MessageGroup)
	}
	if opts.DeduplicationId != "" {
		msg.Header.Set(headerMsgId, opts.DeduplicationId)
	}
	for k, v := range opts.Metadata {
		msg.Header.Set(headerMetaPrefix+k, v)
	}

	if _, err := t.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats transport: publish %s: %w", msgType, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, msgType string, handler transport.Handler) error {
	consumer, err := t.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "flowmediator-" + msgType,
		FilterSubject: t.subject(msgType),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("nats transport: create consumer for %s: %w", msgType, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	handle := &consumerHandle{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.consumers = append(t.consumers, handle)
	t.mu.Unlock()

	go t.consumeLoop(consumeCtx, handle, consumer, msgType, handler)
	return nil
}

func (t *Transport) consumeLoop(ctx context.Context, handle *consumerHandle, consumer jetstream.Consumer, msgType string, handler transport.Handler) {
	defer close(handle.done)

	msgIter, err := consumer.Messages()
	if err != nil {
		t.logger.Error("nats transport: create message iterator failed", "type", msgType, "error", err)
		return
	}
	defer msgIter.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := msgIter.Next()
		if err != nil {
			if err == jetstream.ErrMsgIteratorClosed || ctx.Err() != nil {
				return
			}
			t.logger.Error("nats transport: next message failed", "type", msgType, "error", err)
			continue
		}

		inbound := transport.InboundMessage{
			Type:     msgType,
			Data:     msg.Data(),
			Metadata: metaFromHeaders(msg.Headers()),
			Ack:      msg.Ack,
			Nak:      func() error { return msg.Nak() },
			NakWithDelay: func(delay time.Duration) error { return msg.NakWithDelay(delay) },
		}
		if group := msg.Headers().Get(headerMsgGroup); group != "" {
			inbound.MessageGroup = group
		}

		if err := handler(ctx, inbound); err != nil {
			t.logger.Warn("nats transport: handler error, nak", "type", msgType, "error", err)
			_ = msg.Nak()
			continue
		}
		_ = msg.Ack()
	}
}

func metaFromHeaders(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string)
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if len(k) > len(headerMetaPrefix) && k[:len(headerMetaPrefix)] == headerMetaPrefix {
			out[k[len(headerMetaPrefix):]] = v[0]
		}
	}
	return out
}
