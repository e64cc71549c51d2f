// Package lifecycle hosts transport.Transport instances and other
// background components through spec.md §4.7's ordered shutdown:
// stop-accepting -> wait-for-completion (bounded by a timeout) -> dispose,
// forcing shutdown if the timeout elapses. Adapted from the teacher's
// internal/common/lifecycle/manager.go phased-hook-runner, specialized
// from its six generic HTTP/Queue/Workers/Leader/Database/Final phases
// down to the three the spec names plus a Final phase for everything
// else this module hosts (outbox processor, recovery supervisor).
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.flowmediator.dev/transport"
)

// Phase is the ordered shutdown stage a hook runs in.
type Phase int

const (
	// PhaseStopAccepting stops transports from accepting new inbound
	// messages (spec.md §4.7 "stop accepting").
	PhaseStopAccepting Phase = iota
	// PhaseWaitForCompletion waits for in-flight message handling to
	// finish, bounded by the hook's own timeout.
	PhaseWaitForCompletion
	// PhaseDispose releases transport resources (connections, consumers).
	PhaseDispose
	// PhaseFinal runs last: non-transport hosted components such as the
	// outbox processor and recovery supervisor.
	PhaseFinal
)

// Hook is one unit of shutdown work within a Phase.
type Hook struct {
	Name    string
	Phase   Phase
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Host orchestrates ordered, timeout-bounded shutdown across registered
// hooks and transports.
type Host struct {
	mu              sync.Mutex
	hooks           []Hook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
	logger          *slog.Logger
}

func NewHost(shutdownTimeout time.Duration) *Host {
	return &Host{
		shutdownTimeout: shutdownTimeout,
		done:            make(chan struct{}),
		logger:          slog.Default(),
	}
}

func (h *Host) SetLogger(l *slog.Logger) { h.logger = l }

func (h *Host) RegisterHook(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	h.hooks = append(h.hooks, hook)
}

// RegisterTransport wires a transport.Transport's optional
// StopAccepter/Waiter/Disposer interfaces into the three transport phases,
// per spec.md §4.7. A transport implementing none of these is accepted
// but contributes no hooks.
func (h *Host) RegisterTransport(name string, t transport.Transport, perHookTimeout time.Duration) {
	if sa, ok := t.(transport.StopAccepter); ok {
		h.RegisterHook(Hook{
			Name: name + ".stopAccepting", Phase: PhaseStopAccepting, Timeout: perHookTimeout,
			Run: func(ctx context.Context) error { return sa.StopAcceptingMessages() },
		})
	}
	if w, ok := t.(transport.Waiter); ok {
		h.RegisterHook(Hook{
			Name: name + ".waitForCompletion", Phase: PhaseWaitForCompletion, Timeout: perHookTimeout,
			Run: func(ctx context.Context) error { return w.WaitForCompletion(ctx) },
		})
	}
	if d, ok := t.(transport.Disposer); ok {
		h.RegisterHook(Hook{
			Name: name + ".dispose", Phase: PhaseDispose, Timeout: perHookTimeout,
			Run: func(ctx context.Context) error { return d.Dispose(ctx) },
		})
	}
}

// RegisterFinal adds a PhaseFinal hook for a non-transport hosted
// component (outbox processor Stop, recovery supervisor Stop, etc.).
func (h *Host) RegisterFinal(name string, timeout time.Duration, run func(ctx context.Context) error) {
	h.RegisterHook(Hook{Name: name, Phase: PhaseFinal, Timeout: timeout, Run: run})
}

// WaitForSignal blocks until SIGINT/SIGTERM or a programmatic Shutdown().
func (h *Host) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		h.logger.Info("lifecycle: shutdown signal received", "signal", sig.String())
	case <-h.done:
		h.logger.Info("lifecycle: shutdown triggered programmatically")
	}
}

// Shutdown triggers WaitForSignal to return, for programmatic shutdown.
func (h *Host) Shutdown() {
	h.once.Do(func() { close(h.done) })
}

// Execute runs every registered hook phase-by-phase (PhaseStopAccepting,
// PhaseWaitForCompletion, PhaseDispose, PhaseFinal), hooks within a phase
// run concurrently, bounded overall by shutdownTimeout. If the overall
// timeout elapses partway through, Execute records a forced-shutdown
// warning but keeps running every remaining phase — including
// PhaseDispose — rather than aborting, per spec.md §4.7: "on
// shutdownTimeout expiry, proceed to disposal regardless". The remaining
// phases run against the already-expired context, so their hooks' own
// per-hook timeouts resolve immediately; Execute still returns the
// context's deadline error once every phase has run, so callers can tell
// shutdown was forced.
func (h *Host) Execute() error {
	h.mu.Lock()
	hooks := make([]Hook, len(h.hooks))
	copy(hooks, h.hooks)
	timeout := h.shutdownTimeout
	h.mu.Unlock()

	h.logger.Info("lifecycle: starting shutdown", "hooks", len(hooks), "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	byPhase := make(map[Phase][]Hook)
	for _, hk := range hooks {
		byPhase[hk.Phase] = append(byPhase[hk.Phase], hk)
	}

	var forced bool
	for _, phase := range []Phase{PhaseStopAccepting, PhaseWaitForCompletion, PhaseDispose, PhaseFinal} {
		phaseHooks := byPhase[phase]
		if len(phaseHooks) == 0 {
			continue
		}
		var wg sync.WaitGroup
		for _, hk := range phaseHooks {
			wg.Add(1)
			go func(hk Hook) {
				defer wg.Done()
				h.runHook(ctx, hk)
			}(hk)
		}
		wg.Wait()

		if !forced && ctx.Err() != nil {
			forced = true
			h.logger.Warn("lifecycle: shutdown timeout reached, forcing remaining phases to proceed")
		}
	}

	if forced {
		return ctx.Err()
	}

	h.logger.Info("lifecycle: shutdown completed")
	return nil
}

func (h *Host) runHook(parent context.Context, hook Hook) {
	ctx, cancel := context.WithTimeout(parent, hook.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- hook.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			h.logger.Error("lifecycle: hook failed", "hook", hook.Name, "error", err)
		}
	case <-ctx.Done():
		h.logger.Warn("lifecycle: hook timed out", "hook", hook.Name)
	}
}

// Run blocks for a shutdown signal, then executes the shutdown sequence.
func (h *Host) Run() error {
	h.WaitForSignal()
	return h.Execute()
}
