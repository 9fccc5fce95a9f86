// Package breaker implements per-adapter circuit breakers.
//
// A breaker trips after a run of consecutive failures, blocks calls for a
// recovery window, then admits trial calls until enough consecutive
// successes close it again. Timeouts count as failures for state purposes
// but are tracked separately so operators can tell a slow adapter from a
// broken one.
package breaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/observability"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Snapshot is a point-in-time view of one breaker for the health surface.
type Snapshot struct {
	Adapter          string    `json:"adapter"`
	State            string    `json:"state"`
	ConsecFailures   int       `json:"consecutive_failures"`
	ConsecSuccesses  int       `json:"consecutive_successes"`
	TotalCalls       uint64    `json:"total_calls"`
	FailedCalls      uint64    `json:"failed_calls"`
	TimeoutCalls     uint64    `json:"timeout_calls"`
	StateEntered     time.Time `json:"state_entered"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	RetryAfterSecond float64   `json:"retry_after_seconds,omitempty"`
}

// Breaker guards calls to one adapter. RecordSuccess, RecordFailure, and
// RecordTimeout are the only mutators, serialized by the breaker's mutex;
// the state word is mirrored atomically so reads stay lock-free.
type Breaker struct {
	name   string
	policy config.BreakerPolicy

	// stateWord mirrors state for reads that bypass the mutex.
	stateWord atomic.Int32

	mu              sync.Mutex
	state           State
	stateEntered    time.Time
	consecFailures  int
	consecSuccesses int
	totalCalls      uint64
	failedCalls     uint64
	timeoutCalls    uint64
	lastFailure     time.Time

	now func() time.Time
}

// New builds a breaker with the given policy; zero-valued policy fields take
// the defaults (5 failures, 3 successes, 60s recovery, 30s op timeout).
func New(name string, p config.BreakerPolicy) *Breaker {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 3
	}
	if p.RecoveryTimeout <= 0 {
		p.RecoveryTimeout = 60 * time.Second
	}
	if p.OpTimeout <= 0 {
		p.OpTimeout = 30 * time.Second
	}
	b := &Breaker{name: name, policy: p, state: StateClosed, now: time.Now}
	b.stateEntered = b.now()
	observability.BreakerState.WithLabelValues(name).Set(stateValue(StateClosed))
	return b
}

// Name returns the adapter name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// OpTimeout returns the per-call timeout the executor should apply.
func (b *Breaker) OpTimeout() time.Duration { return b.policy.OpTimeout }

// IsOpen reports whether calls must be blocked. An open breaker whose
// recovery window has elapsed transitions to half-open and admits the call,
// so the check itself is the probe gate. Closed and half-open breakers answer
// from the atomic state word without taking the lock.
func (b *Breaker) IsOpen() bool {
	if State(b.stateWord.Load()) != StateOpen {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.stateEntered) >= b.policy.RecoveryTimeout {
		b.transition(StateHalfOpen)
		return false
	}
	return b.state == StateOpen
}

// State returns the current state without the half-open side effect.
func (b *Breaker) State() State {
	return State(b.stateWord.Load())
}

// RecordSuccess notes a successful adapter call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	switch b.state {
	case StateHalfOpen:
		b.consecSuccesses++
		if b.consecSuccesses >= b.policy.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.consecFailures = 0
	case StateOpen:
		// Success while open can only come from a call admitted before the
		// trip; it does not reopen the window.
	}
}

// RecordFailure notes a failed adapter call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailureLocked()
}

// RecordTimeout notes a call that exceeded the op timeout. Timeouts are
// failures for state purposes but keep their own counter.
func (b *Breaker) RecordTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeoutCalls++
	b.recordFailureLocked()
}

func (b *Breaker) recordFailureLocked() {
	b.totalCalls++
	b.failedCalls++
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.consecFailures++
		if b.consecFailures >= b.policy.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateOpen:
	}
}

// ForceOpen trips the breaker immediately, used when an adapter fails to
// load: no call can succeed until a reload, so probing is pointless.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.transition(StateOpen)
	} else {
		b.stateEntered = b.now()
	}
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.consecFailures = 0
	b.consecSuccesses = 0
}

// Snapshot captures the breaker state for /health/adapters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Adapter:         b.name,
		State:           b.state.String(),
		ConsecFailures:  b.consecFailures,
		ConsecSuccesses: b.consecSuccesses,
		TotalCalls:      b.totalCalls,
		FailedCalls:     b.failedCalls,
		TimeoutCalls:    b.timeoutCalls,
		StateEntered:    b.stateEntered,
		LastFailure:     b.lastFailure,
	}
	if b.state == StateOpen {
		if remain := b.policy.RecoveryTimeout - b.now().Sub(b.stateEntered); remain > 0 {
			s.RetryAfterSecond = remain.Seconds()
		}
	}
	return s
}

// transition moves to a new state; caller holds the mutex.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.stateWord.Store(int32(to))
	b.stateEntered = b.now()
	switch to {
	case StateClosed:
		b.consecFailures = 0
		b.consecSuccesses = 0
	case StateHalfOpen:
		b.consecSuccesses = 0
	case StateOpen:
		b.consecSuccesses = 0
	}
	observability.BreakerTransitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	observability.BreakerState.WithLabelValues(b.name).Set(stateValue(to))
	slog.Info("circuit state changed",
		slog.String("adapter", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("consecutive_failures", b.consecFailures),
		slog.Uint64("timeout_calls", b.timeoutCalls))
}

func stateValue(s State) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return -1
}
