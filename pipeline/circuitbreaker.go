package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"go.flowmediator.dev/result"
)

// CircuitBreakerConfig mirrors internal/router/mediator/http.go's
// HTTPMediatorConfig circuit-breaker fields.
type CircuitBreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureRatio trips the breaker once at least MinRequests samples
	// have been seen and the failure ratio reaches this threshold, exactly
	// as http.go's ReadyToTrip does.
	FailureRatio float64
	MinRequests  uint32
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.6
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	return c
}

// CircuitBreaker is the priority-700 standard behavior, wrapping next in a
// gobreaker.CircuitBreaker exactly as internal/router/mediator/http.go
// wraps its outbound HTTP calls.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
	}
	return &CircuitBreaker{breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreaker) Name() string  { return "CircuitBreaker" }
func (c *CircuitBreaker) Priority() int { return PriorityCircuitBreaker }

func (c *CircuitBreaker) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	out, err := c.breaker.Execute(func() (any, error) {
		r := next(ctx, inv)
		if r.IsFailure() && r.Retryable() {
			// Only retryable failures count against the breaker; a
			// validation/handler-logic failure isn't the downstream's
			// fault and shouldn't trip it.
			return r, errors.New(r.ErrorMessage())
		}
		return r, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return result.Fail[any](result.TransportFailed, "circuit breaker open").WithRetryable(true)
		}
		// err came from a retryable failure inside Execute; out still
		// holds the original Result.
		if r, ok := out.(result.Result[any]); ok {
			return r
		}
		return result.FailFrom[any](result.TransportFailed, err.Error(), err)
	}
	return out.(result.Result[any])
}
