package executor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// BreakerConfig tunes the circuit for one operation class.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig is used for classes without explicit configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// breaker is shared by all in-flight operations of a class. The state field
// is kept in an atomic so the common closed-state check stays lock-free; all
// transitions happen under the mutex.
type breaker struct {
	cfg BreakerConfig

	state atomic.Int32

	mu                  sync.Mutex
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
	trialInFlight       bool
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &breaker{cfg: cfg}
}

// allow reports whether an attempt may proceed at time now. In the open state
// it fails fast until the recovery timeout elapses, then admits exactly one
// half-open trial; concurrent callers keep failing fast until the trial ends.
func (b *breaker) allow(now time.Time) bool {
	if b.state.Load() == stateClosed {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state.Load() {
	case stateClosed:
		return true
	case stateOpen:
		if now.Before(b.openedAt.Add(b.cfg.RecoveryTimeout)) {
			return false
		}
		b.state.Store(stateHalfOpen)
		b.halfOpenSuccesses = 0
		b.trialInFlight = true
		return true
	default: // half open
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
}

func (b *breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state.Load() {
	case stateHalfOpen:
		b.trialInFlight = false
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.toClosedLocked()
		}
	case stateClosed:
		b.consecutiveFailures = 0
	}
}

// onFatal releases a half-open trial slot without counting the outcome.
// Fatal errors carry no signal about the dependency's health, so the state
// and the failure streak stay untouched and the next caller gets a trial.
func (b *breaker) onFatal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Load() == stateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *breaker) onFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state.Load() {
	case stateHalfOpen:
		b.trialInFlight = false
		b.toOpenLocked(now)
	case stateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.toOpenLocked(now)
		}
	}
}

// reset is the administrative escape hatch: force closed and zero counters.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
}

func (b *breaker) toClosedLocked() {
	b.state.Store(stateClosed)
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.trialInFlight = false
	b.openedAt = time.Time{}
}

func (b *breaker) toOpenLocked(now time.Time) {
	b.state.Store(stateOpen)
	b.openedAt = now
	b.halfOpenSuccesses = 0
}

func (b *breaker) current() string {
	switch b.state.Load() {
	case stateOpen:
		return StateOpen
	case stateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// isOpen is the fast check used to skip backoff sleeps once the circuit trips.
func (b *breaker) isOpen() bool {
	return b.state.Load() == stateOpen
}
