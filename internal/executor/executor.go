package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"caseline/internal/config"
)

// Strategy selects how retry delays grow.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyImmediate   Strategy = "immediate"
	StrategyNone        Strategy = "none"
)

// Policy is the retry configuration of one operation class.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	Deadline    time.Duration
}

// DefaultPolicy is exponential backoff with three attempts.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:    StrategyExponential,
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
	}
}

// FailureKind classifies executor failures.
type FailureKind string

const (
	KindFatal             FailureKind = "fatal"
	KindAttemptsExhausted FailureKind = "attempts_exhausted"
	KindCircuitOpen       FailureKind = "circuit_open"
	KindDeadlineExceeded  FailureKind = "deadline_exceeded"
	KindCancelled         FailureKind = "cancelled"
)

// Attempt is one entry of the attempt history carried on failures.
type Attempt struct {
	Number int           `json:"number"`
	Err    string        `json:"error"`
	Wait   time.Duration `json:"wait,omitempty"`
}

// ExecutionError is returned when an operation does not succeed. It carries
// the full attempt history for audit and debugging.
type ExecutionError struct {
	Class    string
	Kind     FailureKind
	Attempts []Attempt
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Class, e.Kind, len(e.Attempts), e.Err)
	}
	return fmt.Sprintf("%s: %s after %d attempt(s)", e.Class, e.Kind, len(e.Attempts))
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, or "" for non-executor errors.
func KindOf(err error) FailureKind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsCircuitOpen reports whether err is a fast-fail from an open circuit.
func IsCircuitOpen(err error) bool { return KindOf(err) == KindCircuitOpen }

type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// Fatal marks an operation error as non-retryable. Permission and validation
// failures must be wrapped so the executor never retries them.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// Executor runs idempotent operations with per-class retry policies and
// circuit breakers. It never inspects operation results beyond the error; all
// semantics stay with the caller.
type Executor struct {
	policies map[string]Policy
	breakerC map[string]BreakerConfig

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*breaker

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds an executor with explicit per-class policies and breaker configs.
// Unknown classes fall back to DefaultPolicy and DefaultBreakerConfig.
func New(policies map[string]Policy, breakers map[string]BreakerConfig) *Executor {
	e := &Executor{
		policies: map[string]Policy{},
		breakerC: map[string]BreakerConfig{},
		breakers: map[string]*breaker{},
		Now:      time.Now,
		Sleep:    sleepCtx,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for class, p := range policies {
		e.policies[class] = p
	}
	for class, b := range breakers {
		e.breakerC[class] = b
	}
	// Configured classes get their breaker up front so they can be listed
	// and reset before the first operation runs.
	for class := range e.policies {
		e.breakers[class] = newBreaker(e.breakerConfigFor(class))
	}
	for class, cfg := range e.breakerC {
		if _, ok := e.breakers[class]; !ok {
			e.breakers[class] = newBreaker(cfg)
		}
	}
	return e
}

// FromConfig translates config retry/breaker classes into an executor.
func FromConfig(cfg *config.Config) *Executor {
	policies := map[string]Policy{}
	breakers := map[string]BreakerConfig{}
	if cfg != nil {
		for class, rc := range cfg.Retry.Classes {
			p := DefaultPolicy()
			if rc.Strategy != "" {
				p.Strategy = Strategy(rc.Strategy)
			}
			if rc.MaxAttempts > 0 {
				p.MaxAttempts = rc.MaxAttempts
			}
			if rc.BaseDelayMS > 0 {
				p.BaseDelay = time.Duration(rc.BaseDelayMS) * time.Millisecond
			}
			if rc.MaxDelayMS > 0 {
				p.MaxDelay = time.Duration(rc.MaxDelayMS) * time.Millisecond
			}
			if rc.Multiplier >= 1 {
				p.Multiplier = rc.Multiplier
			}
			p.Jitter = rc.Jitter
			if rc.DeadlineMS > 0 {
				p.Deadline = time.Duration(rc.DeadlineMS) * time.Millisecond
			}
			policies[class] = p
		}
		for class, bc := range cfg.Breaker.Classes {
			b := DefaultBreakerConfig()
			if bc.FailureThreshold > 0 {
				b.FailureThreshold = bc.FailureThreshold
			}
			if bc.SuccessThreshold > 0 {
				b.SuccessThreshold = bc.SuccessThreshold
			}
			if bc.RecoveryTimeoutMS > 0 {
				b.RecoveryTimeout = time.Duration(bc.RecoveryTimeoutMS) * time.Millisecond
			}
			breakers[class] = b
		}
	}
	return New(policies, breakers)
}

// SetSeed reseeds the jitter source; tests use it for deterministic delays.
func (e *Executor) SetSeed(seed int64) {
	e.rngMu.Lock()
	e.rng = rand.New(rand.NewSource(seed))
	e.rngMu.Unlock()
}

func (e *Executor) policy(class string) Policy {
	if p, ok := e.policies[class]; ok {
		return p
	}
	return DefaultPolicy()
}

func (e *Executor) breakerConfigFor(class string) BreakerConfig {
	if cfg, ok := e.breakerC[class]; ok {
		return cfg
	}
	return DefaultBreakerConfig()
}

func (e *Executor) breaker(class string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[class]; ok {
		return b
	}
	b := newBreaker(e.breakerConfigFor(class))
	e.breakers[class] = b
	return b
}

// Execute runs op under the class policy. op must be idempotent; errors are
// retryable unless wrapped with Fatal. A nil return means op succeeded.
func (e *Executor) Execute(ctx context.Context, class string, op func(context.Context) error) error {
	pol := e.policy(class)
	br := e.breaker(class)

	if pol.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pol.Deadline)
		defer cancel()
	}

	maxAttempts := pol.MaxAttempts
	if maxAttempts < 1 || pol.Strategy == StrategyNone {
		maxAttempts = 1
	}

	var attempts []Attempt
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.interrupted(class, err, attempts)
		}
		if !br.allow(e.now()) {
			return &ExecutionError{Class: class, Kind: KindCircuitOpen, Attempts: attempts}
		}
		err := op(ctx)
		if err == nil {
			br.onSuccess()
			return nil
		}
		if IsFatal(err) {
			br.onFatal()
			attempts = append(attempts, Attempt{Number: attempt, Err: err.Error()})
			return &ExecutionError{Class: class, Kind: KindFatal, Attempts: attempts, Err: err}
		}
		br.onFailure(e.now())
		attempts = append(attempts, Attempt{Number: attempt, Err: err.Error()})
		if attempt >= maxAttempts {
			return &ExecutionError{Class: class, Kind: KindAttemptsExhausted, Attempts: attempts, Err: err}
		}
		if br.isOpen() {
			// No point waiting; the next allow() fails fast anyway.
			continue
		}
		wait := e.delay(pol, attempt)
		attempts[len(attempts)-1].Wait = wait
		if err := e.sleep(ctx, wait); err != nil {
			return e.interrupted(class, err, attempts)
		}
	}
}

// Do is the generic wrapper for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, class string, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, class, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// ResetCircuit force-closes the breaker for a class.
func (e *Executor) ResetCircuit(class string) {
	e.breaker(class).reset()
}

// CircuitState returns closed/open/half_open for a class.
func (e *Executor) CircuitState(class string) string {
	return e.breaker(class).current()
}

// CircuitStates snapshots all known breakers.
func (e *Executor) CircuitStates() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.breakers))
	for class, b := range e.breakers {
		out[class] = b.current()
	}
	return out
}

// delay computes the wait before retry k (k=1 is the first retry):
// exponential min(base*mult^(k-1), max), linear min(base*k, max), fixed base.
func (e *Executor) delay(pol Policy, retry int) time.Duration {
	var d time.Duration
	switch pol.Strategy {
	case StrategyImmediate, StrategyNone:
		return 0
	case StrategyFixed:
		d = pol.BaseDelay
	case StrategyLinear:
		d = time.Duration(retry) * pol.BaseDelay
	default:
		mult := pol.Multiplier
		if mult < 1 {
			mult = 2
		}
		d = time.Duration(float64(pol.BaseDelay) * math.Pow(mult, float64(retry-1)))
	}
	if pol.MaxDelay > 0 && d > pol.MaxDelay {
		d = pol.MaxDelay
	}
	if pol.Jitter && d > 0 {
		half := d / 2
		e.rngMu.Lock()
		jit := time.Duration(e.rng.Int63n(int64(half) + 1))
		e.rngMu.Unlock()
		d = half + jit
	}
	return d
}

func (e *Executor) interrupted(class string, err error, attempts []Attempt) error {
	kind := KindCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindDeadlineExceeded
	}
	return &ExecutionError{Class: class, Kind: kind, Attempts: attempts, Err: err}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

// sleepCtx suspends only the calling goroutine and wakes early on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
