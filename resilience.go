package ordersaga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PolicyConfig configures a resilience Policy. The zero value takes the
// defaults below; Clock and Sleep exist so tests can substitute fake time.
type PolicyConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the circuit. Defaults to 3.
	FailureThreshold int
	// Cooldown is how long an open circuit short-circuits calls before
	// letting a half-open probe through. Defaults to 30s.
	Cooldown time.Duration
	// MaxRetries is how many additional attempts follow a transient failure.
	// Defaults to 3.
	MaxRetries int
	// BackoffBase seeds the exponential backoff: attempt n sleeps
	// BackoffBase << (n-1), i.e. 2s, 4s, 8s with the default of 2s.
	BackoffBase time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Policy wraps an operation with a circuit breaker composed around retry.
// Every outbound call the orchestrator makes passes through a Policy.
//
// The retry layer is the inner one: a qualifying transient failure is retried
// with exponential backoff while non-transient errors propagate immediately.
// The breaker is the outer layer and observes only the final outcome of a
// call-with-retries, so expected retry churn cannot open the circuit; a
// sustained outage, which exhausts retries call after call, still does.
type Policy struct {
	cfg PolicyConfig

	mu       sync.Mutex
	state    circuitState
	failures int
	openedAt time.Time
}

// NewPolicy creates a Policy from the given config.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{cfg: cfg.withDefaults()}
}

// Execute runs an operation with no result through the policy.
func (p *Policy) Execute(ctx context.Context, operationName string, op func(ctx context.Context) error) error {
	_, err := ExecuteResult(ctx, p, operationName, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// ExecuteResult runs a value-returning operation through the policy.
//
// When the circuit is open the operation is not invoked and ErrCircuitOpen is
// returned immediately. Otherwise the operation runs with up to
// cfg.MaxRetries retries on transient failures; the final outcome feeds the
// breaker's consecutive-failure accounting.
func ExecuteResult[T any](ctx context.Context, p *Policy, operationName string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := p.admit(operationName); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		p.cfg.Logger.Debug("policy_attempt", "operation", operationName, "attempt", attempt+1)

		result, err := op(ctx)
		if err == nil {
			p.recordSuccess(operationName)
			return result, nil
		}

		if !IsTransient(err) {
			// Non-transient errors are not the breaker's concern and are
			// never retried. A half-open probe that drew one still proves the
			// dependency is reachable, so the probe must not leave the breaker
			// stuck half-open.
			p.recordResponse(operationName)
			return zero, err
		}

		lastErr = err
		if attempt >= p.cfg.MaxRetries {
			break
		}

		delay := p.cfg.BackoffBase << attempt
		p.cfg.Logger.Warn("policy_retry",
			"operation", operationName,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if sleepErr := p.cfg.Sleep(ctx, delay); sleepErr != nil {
			p.recordAborted(operationName, sleepErr)
			return zero, sleepErr
		}
	}

	p.recordFailure(operationName, lastErr)
	return zero, lastErr
}

// admit decides whether a call may proceed given the breaker state.
func (p *Policy) admit(operationName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case circuitClosed:
		return nil
	case circuitHalfOpen:
		// A probe is already in flight; shed everything else.
		return fmt.Errorf("%s: %w", operationName, ErrCircuitOpen)
	case circuitOpen:
		if p.cfg.Clock().Sub(p.openedAt) < p.cfg.Cooldown {
			return fmt.Errorf("%s: %w", operationName, ErrCircuitOpen)
		}
		p.state = circuitHalfOpen
		p.cfg.Logger.Info("circuit_half_open", "operation", operationName)
		return nil
	default:
		return nil
	}
}

func (p *Policy) recordSuccess(operationName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == circuitHalfOpen {
		p.cfg.Logger.Info("circuit_closed", "operation", operationName)
	}
	p.state = circuitClosed
	p.failures = 0
}

// recordResponse notes that the operation concluded with a non-transient
// error. Such errors do not count toward failure accounting, but a half-open
// probe that got any response at all has shown the dependency is reachable
// again, so the circuit closes.
func (p *Policy) recordResponse(operationName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != circuitHalfOpen {
		return
	}
	p.state = circuitClosed
	p.failures = 0
	p.cfg.Logger.Info("circuit_closed", "operation", operationName)
}

// recordAborted notes that the call ended without a conclusive outcome, such
// as a cancellation mid-backoff. An inconclusive half-open probe re-opens the
// circuit for another cooldown so the breaker cannot wedge in half-open.
func (p *Policy) recordAborted(operationName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != circuitHalfOpen {
		return
	}
	p.state = circuitOpen
	p.openedAt = p.cfg.Clock()
	p.cfg.Logger.Warn("circuit_reopened",
		"operation", operationName,
		"cooldown", p.cfg.Cooldown,
		"error", err,
	)
}

func (p *Policy) recordFailure(operationName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == circuitHalfOpen {
		p.state = circuitOpen
		p.openedAt = p.cfg.Clock()
		p.cfg.Logger.Warn("circuit_reopened",
			"operation", operationName,
			"cooldown", p.cfg.Cooldown,
			"error", err,
		)
		return
	}

	p.failures++
	if p.failures >= p.cfg.FailureThreshold {
		p.state = circuitOpen
		p.openedAt = p.cfg.Clock()
		p.cfg.Logger.Warn("circuit_opened",
			"operation", operationName,
			"consecutive_failures", p.failures,
			"cooldown", p.cfg.Cooldown,
			"error", err,
		)
	}
}

// State returns the current breaker state as a string, for diagnostics.
func (p *Policy) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.String()
}
