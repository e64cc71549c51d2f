// Package outboxproc implements the outbox processor (spec.md C9 / §4.5):
// a hosted background worker that periodically scans the OutboxStore and
// publishes pending rows via a transport.Transport. Grounded directly in
// internal/outbox/processor.go's single-poller, status-based,
// crash-recovering design.
package outboxproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.flowmediator.dev/store"
	"go.flowmediator.dev/transport"
)

// LeaderElector gates whether this instance is allowed to run the poll
// loop, for multi-instance deployments (SPEC_FULL.md §3 "Leader-gated
// outbox processing"). When nil, the processor always considers itself
// primary, matching the teacher's single-instance default.
type LeaderElector interface {
	IsLeader() bool
}

// Config mirrors spec.md §6's Outbox processor options plus
// CompleteCurrentBatchOnShutdown from §4.5.
type Config struct {
	ScanInterval                  time.Duration
	BatchSize                     int
	ErrorDelay                    time.Duration
	CompleteCurrentBatchOnShutdown bool
	// StuckThreshold bounds how long a row may sit Publishing before
	// FetchStuck/ResetStuck reclaims it (crash recovery, SPEC_FULL.md §3).
	StuckThreshold time.Duration
	// ScanRatePerSecond bounds scan-loop throughput via
	// golang.org/x/time/rate, independent of ScanInterval, so a backlog
	// of many small batches cannot monopolize the transport.
	ScanRatePerSecond float64
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:                   1 * time.Second,
		BatchSize:                      100,
		ErrorDelay:                     5 * time.Second,
		CompleteCurrentBatchOnShutdown: true,
		StuckThreshold:                 5 * time.Minute,
		ScanRatePerSecond:              20,
	}
}

// Observer receives the outbox.processed / outbox.failed counters spec.md
// §4.5/§6 name.
type Observer interface {
	IncProcessed(n int)
	IncFailed(n int)
}

type noopObserver struct{}

func (noopObserver) IncProcessed(int) {}
func (noopObserver) IncFailed(int)    {}

// Publisher is the minimal transport surface the processor needs: publish
// one outbox row's payload under its type.
type Publisher interface {
	Publish(ctx context.Context, msgType string, data []byte, opts transport.PublishOptions) error
}

// Processor is the hosted outbox background worker.
type Processor struct {
	store     store.OutboxStore
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	observer  Observer
	elector   LeaderElector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runningMu sync.Mutex
	running   bool

	limiter *rate.Limiter
}

// Option configures a Processor at construction time.
type Option func(*Processor)

func WithLogger(l *slog.Logger) Option        { return func(p *Processor) { p.logger = l } }
func WithObserver(o Observer) Option          { return func(p *Processor) { p.observer = o } }
func WithLeaderElector(e LeaderElector) Option { return func(p *Processor) { p.elector = e } }

func New(s store.OutboxStore, publisher Publisher, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		store:     s,
		publisher: publisher,
		cfg:       cfg,
		logger:    slog.Default(),
		observer:  noopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.limiter = rate.NewLimiter(rate.Limit(cfg.ScanRatePerSecond), 1)
	return p
}

// Start launches the crash-recovery pass then the scan loop.
func (p *Processor) Start(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.doCrashRecovery(p.ctx)

	p.wg.Add(1)
	go p.runLoop()

	p.running = true
	return nil
}

// Stop signals the scan loop to exit. If CompleteCurrentBatchOnShutdown,
// the in-flight batch (if any) finishes before Stop returns; otherwise
// in-flight items remain Publishing/Pending and are recovered on the next
// Start's crash-recovery pass.
func (p *Processor) Stop(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if !p.running {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.running = false
	return nil
}

func (p *Processor) isPrimary() bool {
	return p.elector == nil || p.elector.IsLeader()
}

// doCrashRecovery resets rows stuck in Publishing (claimed by a poller
// that crashed before marking them terminal) back to Pending, per
// internal/outbox/processor.go's Processor.doCrashRecovery.
func (p *Processor) doCrashRecovery(ctx context.Context) {
	inflight, ok := p.store.(store.OutboxInflightStore)
	if !ok {
		return
	}
	stuck, err := inflight.FetchStuck(ctx, p.cfg.StuckThreshold)
	if err != nil {
		p.logger.Error("outboxproc: crash recovery fetch failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	ids := make([]int64, len(stuck))
	for i, r := range stuck {
		ids[i] = r.Id
	}
	if err := inflight.ResetStuck(ctx, ids); err != nil {
		p.logger.Error("outboxproc: crash recovery reset failed", "error", err)
		return
	}
	p.logger.Info("outboxproc: reset stuck rows to pending", "count", len(ids))
}

func (p *Processor) runLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.isPrimary() {
				continue
			}
			if err := p.limiter.Wait(p.ctx); err != nil {
				continue
			}
			scanCtx := p.ctx
			if p.cfg.CompleteCurrentBatchOnShutdown {
				// Stop must not cut a batch short; the loop exits after it.
				scanCtx = context.WithoutCancel(p.ctx)
			}
			if err := p.scanOnce(scanCtx); err != nil {
				p.logger.Error("outboxproc: scan failed, backing off", "error", err)
				select {
				case <-time.After(p.cfg.ErrorDelay):
				case <-p.ctx.Done():
					return
				}
			}
		}
	}
}

// scanOnce runs exactly one batch: getPending -> mark-in-progress (if
// supported) -> publish each -> mark terminal. spec.md §4.5: "at most one
// in-flight batch at a time per processor instance" is satisfied because
// scanOnce is only ever called from runLoop's single goroutine.
func (p *Processor) scanOnce(ctx context.Context) error {
	rows, err := p.store.GetPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("outboxproc: get pending: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if inflight, ok := p.store.(store.OutboxInflightStore); ok {
		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.Id
		}
		if err := inflight.MarkInProgress(ctx, ids); err != nil {
			p.logger.Warn("outboxproc: mark in progress failed, continuing without claim", "error", err)
		}
	}

	var processed, failed int
	for _, row := range rows {
		if err := p.publisher.Publish(ctx, row.Type, row.Payload, transport.PublishOptions{}); err != nil {
			if markErr := p.store.MarkFailed(ctx, row.Id, err); markErr != nil {
				p.logger.Error("outboxproc: mark failed error", "id", row.Id, "error", markErr)
			}
			failed++
			continue
		}
		if err := p.store.MarkPublished(ctx, row.Id); err != nil {
			p.logger.Error("outboxproc: mark published error", "id", row.Id, "error", err)
			failed++
			continue
		}
		processed++
	}

	p.observer.IncProcessed(processed)
	p.observer.IncFailed(failed)
	return nil
}
