// Package breaker implements the per-host Circuit Breaker (spec §4.4),
// grounded on original_source/reliability/circuit_breaker.py's
// CircuitState/CircuitBreaker/CircuitBreakerManager shape, translated to
// Go's sync primitives in place of asyncio.Lock.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states (spec §3).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures one breaker's thresholds.
type Config struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxProbes int
}

// Breaker is a single per-host circuit breaker. Safe for concurrent use;
// all transitions happen under its own mutex.
type Breaker struct {
	mu sync.Mutex
	cfg Config

	state              State
	consecutiveFailures int
	lastFailure        time.Time
	halfOpenInFlight   int
}

// New constructs a Breaker starting Closed.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a request may proceed, and reserves a half-open
// probe slot if the breaker has just transitioned out of Open. Callers
// that receive allow=false must treat the call as CircuitOpen and must not
// issue a request.
func (b *Breaker) Allow() (allow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.halfOpenInFlight = 0
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxProbes {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets its counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.state = Closed
	b.consecutiveFailures = 0
}

// RecordFailure increments the failure count and may trip the breaker to
// Open: immediately from HalfOpen, or from Closed once
// consecutive_failures reaches FailureThreshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	if b.state == HalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.state = Open
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = Open
	}
}

// State returns the current state for observability.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager lazily creates one Breaker per host, mirroring
// CircuitBreakerManager in original_source/reliability/circuit_breaker.py.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewManager constructs a Manager that creates breakers with cfg on demand.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for host, creating it lazily.
func (m *Manager) Get(host string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[host]; ok {
		return b
	}
	b := New(m.cfg)
	m.breakers[host] = b
	return b
}

// Reset clears every tracked breaker back to Closed, for operator recovery.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers = make(map[string]*Breaker)
}

// Stats reports state of every tracked host, for per_domain_stats.
func (m *Manager) Stats() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.breakers))
	for host, b := range m.breakers {
		out[host] = b.State()
	}
	return out
}
