package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeComponent struct {
	name string

	mu          sync.Mutex
	healthy     bool
	recoverErr  error
	recoverCalls int
	healthyAfterRecoverCall int // 0 means never becomes healthy via Recover
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) IsHealthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeComponent) Recover(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoverCalls++
	if f.healthyAfterRecoverCall > 0 && f.recoverCalls >= f.healthyAfterRecoverCall {
		f.healthy = true
	}
	return f.recoverErr
}

func (f *fakeComponent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recoverCalls
}

type recordingObserver struct {
	mu     sync.Mutex
	states []string
}

func (o *recordingObserver) ObserveState(component string, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, component+":"+state.String())
}

func testConfig() Config {
	return Config{
		PollInterval:          time.Hour, // tests call pollAll/pollOne directly, not via the ticker
		MaxRetries:            3,
		BackoffBase:           time.Millisecond,
		BackoffMax:            10 * time.Millisecond,
		UseExponentialBackoff: true,
		EnableAutoRecovery:    true,
	}
}

func TestRegisterStartsComponentHealthy(t *testing.T) {
	s := New(testConfig())
	s.Register(&fakeComponent{name: "db", healthy: true})

	snap := s.Snapshot()
	if snap["db"] != StateHealthy {
		t.Errorf("expected newly registered component to start healthy, got %s", snap["db"])
	}
}

func TestPollAllKeepsHealthyComponentHealthy(t *testing.T) {
	s := New(testConfig())
	c := &fakeComponent{name: "db", healthy: true}
	s.Register(c)

	s.pollAll(context.Background())

	if s.Snapshot()["db"] != StateHealthy {
		t.Errorf("expected db to remain healthy")
	}
	if c.calls() != 0 {
		t.Errorf("expected Recover to never be called for a healthy component, got %d calls", c.calls())
	}
}

func TestPollAllRecoversUnhealthyComponent(t *testing.T) {
	obs := &recordingObserver{}
	s := New(testConfig(), WithObserver(obs))
	c := &fakeComponent{name: "db", healthy: false, healthyAfterRecoverCall: 1}
	s.Register(c)

	s.pollAll(context.Background())

	if s.Snapshot()["db"] != StateHealthy {
		t.Errorf("expected db to recover to healthy, got %s", s.Snapshot()["db"])
	}
	if c.calls() != 1 {
		t.Errorf("expected exactly 1 Recover call, got %d", c.calls())
	}
}

func TestPollAllMarksUnhealthyAfterRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	s := New(cfg)
	c := &fakeComponent{name: "db", healthy: false, recoverErr: errors.New("still down")}
	s.Register(c)

	s.pollAll(context.Background())

	if s.Snapshot()["db"] != StateUnhealthy {
		t.Errorf("expected db to end unhealthy after exhausting retries, got %s", s.Snapshot()["db"])
	}
	if c.calls() != cfg.MaxRetries {
		t.Errorf("expected exactly MaxRetries=%d Recover calls, got %d", cfg.MaxRetries, c.calls())
	}
}

func TestIsRecoveringReflectsInFlightRecovery(t *testing.T) {
	s := New(testConfig())
	if s.IsRecovering() {
		t.Error("expected IsRecovering false with no components registered")
	}

	healthy := &fakeComponent{name: "cache", healthy: true}
	s.Register(healthy)
	if s.IsRecovering() {
		t.Error("expected IsRecovering false when every component is healthy")
	}

	// A cancelled context aborts pollOne's retry loop with the component
	// still Recovering, the same state an in-flight recovery holds.
	down := &fakeComponent{name: "db", healthy: false, recoverErr: errors.New("down")}
	s.Register(down)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.pollOne(ctx, s.components["db"])
	if !s.IsRecovering() {
		t.Error("expected IsRecovering true while a component is recovering")
	}
}

func TestPollOneAbortsRetryLoopOnContextCancellation(t *testing.T) {
	s := New(testConfig())
	c := &fakeComponent{name: "db", healthy: false, recoverErr: errors.New("down")}
	s.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.pollOne(ctx, s.components["db"])

	// cancellation fires inside the backoff select before exhausting all
	// MaxRetries attempts, so the component is left Recovering, not
	// Unhealthy.
	if s.Snapshot()["db"] != StateRecovering {
		t.Errorf("expected db to remain Recovering after context cancellation, got %s", s.Snapshot()["db"])
	}
}

func TestStartAndStopRunPollLoop(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	s := New(cfg)
	c := &fakeComponent{name: "db", healthy: true}
	s.Register(c)

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if s.Snapshot()["db"] != StateHealthy {
		t.Errorf("expected db to remain healthy across poll loop runs")
	}
}

func TestBackoffForCapsAtMax(t *testing.T) {
	if d := backoffFor(0, 10*time.Millisecond, time.Second, true); d != 10*time.Millisecond {
		t.Errorf("expected base backoff on first attempt, got %v", d)
	}
	if d := backoffFor(10, 10*time.Millisecond, time.Second, true); d != time.Second {
		t.Errorf("expected backoff to cap at max for large attempt counts, got %v", d)
	}
}

func TestBackoffForFixedDelayWhenExponentialDisabled(t *testing.T) {
	if d := backoffFor(0, 10*time.Millisecond, time.Second, false); d != 10*time.Millisecond {
		t.Errorf("expected fixed base delay on first attempt, got %v", d)
	}
	if d := backoffFor(5, 10*time.Millisecond, time.Second, false); d != 10*time.Millisecond {
		t.Errorf("expected fixed base delay regardless of attempt count, got %v", d)
	}
}

func TestPollOneSkipsRecoveryWhenAutoRecoveryDisabled(t *testing.T) {
	obs := &recordingObserver{}
	cfg := testConfig()
	cfg.EnableAutoRecovery = false
	s := New(cfg, WithObserver(obs))
	c := &fakeComponent{name: "db", healthy: false}
	s.Register(c)

	s.pollAll(context.Background())

	if s.Snapshot()["db"] != StateUnhealthy {
		t.Errorf("expected db to be marked unhealthy without attempting recovery, got %s", s.Snapshot()["db"])
	}
	if c.calls() != 0 {
		t.Errorf("expected Recover to never be called when auto recovery is disabled, got %d calls", c.calls())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateHealthy:    "healthy",
		StateRecovering: "recovering",
		StateUnhealthy:  "unhealthy",
		State(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d: expected %q, got %q", state, want, got)
		}
	}
}
