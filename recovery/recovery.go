// Package recovery implements the recovery supervisor (spec.md C10 / §4.6):
// a periodic health poll over registered Recoverable components with
// bounded recover() retries, grounded in the teacher's
// internal/router/standby-style retry/backoff loops and
// internal/common/lifecycle's hosted-component pattern.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recoverable is a component the supervisor polls and, on an unhealthy
// reading, attempts to recover (spec.md §4.6).
type Recoverable interface {
	Name() string
	IsHealthy(ctx context.Context) bool
	Recover(ctx context.Context) error
}

// Config controls poll cadence and retry bounds.
type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// UseExponentialBackoff selects backoffFor's doubling delay curve when
	// true, or a fixed BackoffBase delay between every retry when false
	// (spec.md §6 Recovery.useExponentialBackoff).
	UseExponentialBackoff bool
	// EnableAutoRecovery gates whether pollOne calls Recover() on an
	// unhealthy component at all. When false the supervisor still polls
	// and reports StateHealthy/StateUnhealthy, it just never attempts
	// recovery (spec.md §6 Recovery.enableAutoRecovery).
	EnableAutoRecovery bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:          5 * time.Second,
		MaxRetries:            5,
		BackoffBase:           500 * time.Millisecond,
		BackoffMax:            30 * time.Second,
		UseExponentialBackoff: true,
		EnableAutoRecovery:    true,
	}
}

// State is a component's recovery status as tracked by the supervisor.
type State int

const (
	StateHealthy State = iota
	StateRecovering
	StateUnhealthy // retries exhausted
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateRecovering:
		return "recovering"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type componentState struct {
	component Recoverable
	state     State
	attempts  int
}

// Observer receives component state transitions, for wiring into package
// metrics without a direct dependency.
type Observer interface {
	ObserveState(component string, state State)
}

type noopObserver struct{}

func (noopObserver) ObserveState(string, State) {}

// Supervisor periodically polls registered components and drives recovery.
type Supervisor struct {
	mu         sync.RWMutex
	components map[string]*componentState
	cfg        Config
	logger     *slog.Logger
	observer   Observer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }
func WithObserver(o Observer) Option   { return func(s *Supervisor) { s.observer = o } }

func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		components: make(map[string]*componentState),
		cfg:        cfg,
		logger:     slog.Default(),
		observer:   noopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a component to the supervisor's poll set. Safe to call
// before or after Start.
func (s *Supervisor) Register(c Recoverable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[c.Name()] = &componentState{component: c, state: StateHealthy}
}

// IsRecovering reports whether any registered component is currently in
// the recovering state (spec.md §4.6 "IsRecovering flag").
func (s *Supervisor) IsRecovering() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cs := range s.components {
		if cs.state == StateRecovering {
			return true
		}
	}
	return false
}

// Snapshot returns the current State of each registered component by name.
func (s *Supervisor) Snapshot() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.components))
	for name, cs := range s.components {
		out[name] = cs.state
	}
	return out
}

// Start launches the poll loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollAll(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for the in-flight poll to finish.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) pollAll(ctx context.Context) {
	s.mu.RLock()
	states := make([]*componentState, 0, len(s.components))
	for _, cs := range s.components {
		states = append(states, cs)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, cs := range states {
		wg.Add(1)
		go func(cs *componentState) {
			defer wg.Done()
			s.pollOne(ctx, cs)
		}(cs)
	}
	wg.Wait()
}

func (s *Supervisor) pollOne(ctx context.Context, cs *componentState) {
	if cs.component.IsHealthy(ctx) {
		s.mu.Lock()
		cs.state = StateHealthy
		cs.attempts = 0
		s.mu.Unlock()
		s.observer.ObserveState(cs.component.Name(), StateHealthy)
		return
	}

	s.mu.Lock()
	cs.state = StateRecovering
	s.mu.Unlock()
	s.observer.ObserveState(cs.component.Name(), StateRecovering)

	if !s.cfg.EnableAutoRecovery {
		s.mu.Lock()
		cs.state = StateUnhealthy
		s.mu.Unlock()
		s.observer.ObserveState(cs.component.Name(), StateUnhealthy)
		s.logger.Warn("recovery: component unhealthy, auto recovery disabled", "component", cs.component.Name())
		return
	}

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		cs.attempts = attempt + 1
		if err := cs.component.Recover(ctx); err == nil && cs.component.IsHealthy(ctx) {
			s.mu.Lock()
			cs.state = StateHealthy
			cs.attempts = 0
			s.mu.Unlock()
			s.observer.ObserveState(cs.component.Name(), StateHealthy)
			s.logger.Info("recovery: component recovered", "component", cs.component.Name(), "attempt", attempt+1)
			return
		}
		delay := backoffFor(attempt, s.cfg.BackoffBase, s.cfg.BackoffMax, s.cfg.UseExponentialBackoff)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	s.mu.Lock()
	cs.state = StateUnhealthy
	s.mu.Unlock()
	s.observer.ObserveState(cs.component.Name(), StateUnhealthy)
	s.logger.Error("recovery: component failed to recover, retries exhausted", "component", cs.component.Name(), "retries", s.cfg.MaxRetries)
}

func backoffFor(attempt int, base, max time.Duration, exponential bool) time.Duration {
	if !exponential {
		if base > max {
			return max
		}
		return base
	}
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}
