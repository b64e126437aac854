package ratelimit

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed admits all calls.
	StateClosed State = "CLOSED"

	// StateOpen rejects all calls until the cool-down elapses.
	StateOpen State = "OPEN"

	// StateHalfOpen admits a single probe call to decide whether to
	// close or re-open.
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerSettings configures a circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the breaker.
	FailureThreshold int

	// CoolDown is how long the breaker stays open before half-opening.
	CoolDown time.Duration

	// OnStateChange is invoked after every transition. May be nil.
	OnStateChange func(source string, from, to State)
}

// DefaultBreakerSettings returns the settings used when a source does
// not configure its own.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures for one source and fails
// fast while open.
type CircuitBreaker struct {
	source   string
	settings BreakerSettings

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named source.
func NewCircuitBreaker(source string, settings BreakerSettings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if settings.CoolDown <= 0 {
		settings.CoolDown = DefaultBreakerSettings().CoolDown
	}
	return &CircuitBreaker{
		source:   source,
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns
// false until the cool-down elapses, at which point the breaker
// half-opens and admits exactly one probe call.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.CoolDown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess registers a successful call, closing the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure registers a failed call. In the half-open state the
// failed probe re-opens the breaker immediately; in the closed state
// the breaker opens once the consecutive failure threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false

	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.open()
		}
	case StateOpen:
		// Already open; nothing to record.
	}
}

// CancelProbe releases the probe slot without recording an outcome,
// for calls that never reached the source (e.g. rate-limit wait
// cancelled by context).
func (b *CircuitBreaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) open() {
	b.openedAt = b.now()
	b.consecutiveFailures = 0
	b.transition(StateOpen)
}

// transition must be called with the mutex held.
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.source, from, to)
	}
}
