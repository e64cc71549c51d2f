// Package sqs implements transport.Transport over AWS SQS, grounded in
// internal/queue/sqs/client.go: the testable SQSClientAPI seam,
// config.LoadDefaultConfig region wiring, and the visibility-timeout
// constants for fast-fail vs. real-failure redelivery.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	sdksqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/time/rate"

	"go.flowmediator.dev/transport"
)

// Visibility timeout constants, unchanged from the teacher's client.go:
// fast-fail redelivers quickly (rate limit, pool full); default gives a
// real processing failure more time before the next delivery attempt.
const (
	FastFailVisibilitySeconds = 10
	DefaultVisibilitySeconds  = 30
	MaxVisibilitySeconds      = 43200
)

// ClientAPI is the subset of the SQS SDK this transport calls, broken out
// for test doubles exactly as the teacher's SQSClientAPI does.
type ClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sdksqs.ReceiveMessageInput, optFns ...func(*sdksqs.Options)) (*sdksqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sdksqs.DeleteMessageInput, optFns ...func(*sdksqs.Options)) (*sdksqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sdksqs.ChangeMessageVisibilityInput, optFns ...func(*sdksqs.Options)) (*sdksqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sdksqs.SendMessageInput, optFns ...func(*sdksqs.Options)) (*sdksqs.SendMessageOutput, error)
}

// Config mirrors internal/queue/queue.go's SQSConfig, trimmed to what this
// transport wires.
type Config struct {
	QueueURL            string
	Region              string
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32
	// ReceiveRatePerSecond bounds how often ReceiveMessage long-polls are
	// issued across all message types, via golang.org/x/time/rate (the
	// domain-stack wiring this transport contributes).
	ReceiveRatePerSecond float64
}

func (c *Config) applyDefaults() {
	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = 20
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilitySeconds
	}
	if c.MaxNumberOfMessages == 0 {
		c.MaxNumberOfMessages = 10
	}
	if c.ReceiveRatePerSecond == 0 {
		c.ReceiveRatePerSecond = 10
	}
}

// Transport is a transport.Transport backed by one SQS queue. A single
// queue URL is used for all message types; the type is carried as a
// message attribute and dispatched to the matching Subscribe handler.
type Transport struct {
	client ClientAPI
	cfg    Config
	logger *slog.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	handlers  map[string][]transport.Handler
	accepting bool
	receiving sync.WaitGroup
	cancel    context.CancelFunc
	lastCheck time.Time
}

// New constructs a Transport from an already-configured SQS SDK client.
func New(client ClientAPI, cfg Config, logger *slog.Logger) *Transport {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReceiveRatePerSecond), 1),
		handlers: make(map[string][]transport.Handler),
	}
}

// NewFromRegion builds a Transport using the default AWS credential chain
// for cfg.Region, mirroring client.go's config.LoadDefaultConfig wiring.
func NewFromRegion(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("sqs transport: load aws config: %w", err)
	}
	return New(sdksqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func (t *Transport) Name() string { return "sqs" }

func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	t.accepting = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) StopAcceptingMessages() error {
	t.mu.Lock()
	t.accepting = false
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.receiving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Dispose(ctx context.Context) error { return nil }

func (t *Transport) HealthStatus() transport.HealthStatus {
	t.mu.Lock()
	t.lastCheck = time.Now()
	t.mu.Unlock()
	return transport.HealthStatus{Healthy: true}
}

func (t *Transport) LastHealthCheck() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCheck
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (t *Transport) Publish(ctx context.Context, msgType string, data []byte, opts transport.PublishOptions) error {
	return t.send(ctx, msgType, data, opts)
}

func (t *Transport) Send(ctx context.Context, msgType string, data []byte, destination string, opts transport.PublishOptions) error {
	return t.send(ctx, msgType, data, opts)
}

func (t *Transport) send(ctx context.Context, msgType string, data []byte, opts transport.PublishOptions) error {
	t.mu.Lock()
	accepting := t.accepting
	t.mu.Unlock()
	if !accepting {
		return fmt.Errorf("sqs transport: not accepting messages")
	}

	body, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("sqs transport: marshal envelope: %w", err)
	}

	input := &sdksqs.SendMessageInput{
		QueueUrl:    aws.String(t.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
	}
	if opts.MessageGroup != "" {
		input.MessageGroupId = aws.String(opts.MessageGroup)
	}
	if opts.DeduplicationId != "" {
		input.MessageDeduplicationId = aws.String(opts.DeduplicationId)
	}
	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs transport: send %s: %w", msgType, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, msgType string, handler transport.Handler) error {
	t.mu.Lock()
	t.handlers[msgType] = append(t.handlers[msgType], handler)
	if t.cancel == nil {
		loopCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.receiving.Add(1)
		go t.receiveLoop(loopCtx)
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) receiveLoop(ctx context.Context) {
	defer t.receiving.Done()
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}
		out, err := t.client.ReceiveMessage(ctx, &sdksqs.ReceiveMessageInput{
			QueueUrl:            aws.String(t.cfg.QueueURL),
			WaitTimeSeconds:     t.cfg.WaitTimeSeconds,
			MaxNumberOfMessages: t.cfg.MaxNumberOfMessages,
			VisibilityTimeout:   t.cfg.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("sqs transport: receive failed", "error", err)
			continue
		}
		for _, m := range out.Messages {
			t.handleMessage(ctx, m)
		}
	}
}

func (t *Transport) handleMessage(ctx context.Context, m types.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &env); err != nil {
		t.logger.Error("sqs transport: malformed envelope, dropping", "error", err)
		return
	}

	t.mu.Lock()
	handlers := append([]transport.Handler(nil), t.handlers[env.Type]...)
	t.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	receiptHandle := aws.ToString(m.ReceiptHandle)
	inbound := transport.InboundMessage{
		Type: env.Type,
		Data: env.Data,
		Ack: func() error {
			_, err := t.client.DeleteMessage(ctx, &sdksqs.DeleteMessageInput{
				QueueUrl:      aws.String(t.cfg.QueueURL),
				ReceiptHandle: aws.String(receiptHandle),
			})
			return err
		},
		Nak: func() error {
			return t.setVisibility(ctx, receiptHandle, FastFailVisibilitySeconds)
		},
		NakWithDelay: func(delay time.Duration) error {
			return t.setVisibility(ctx, receiptHandle, int32(delay.Seconds()))
		},
	}

	for _, h := range handlers {
		if err := h(ctx, inbound); err != nil {
			t.logger.Warn("sqs transport: handler error", "type", env.Type, "error", err)
			_ = t.setVisibility(ctx, receiptHandle, DefaultVisibilitySeconds)
			return
		}
	}
	_ = inbound.Ack()
}

func (t *Transport) setVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}
	_, err := t.client.ChangeMessageVisibility(ctx, &sdksqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(t.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	return err
}
