// Package circuitbreaker guards calls to upstream model providers with a
// per-provider circuit: closed while the upstream is healthy, open after
// repeated failures, half-open to probe recovery.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spendgate",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by provider, from-state, and to-state.",
}, []string{"provider", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// circuit tracks the state of one provider.
type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per provider and trips open at the
// threshold. After openDuration the circuit moves to half-open and lets
// one probe through; the probe's outcome decides whether it closes again.
// All platform and BYOK clients for a provider share its circuit, so a
// dead upstream is cut off for every tenant at once.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// Allow reports whether a request to the provider may proceed. An open
// circuit whose openDuration has elapsed transitions to half-open and
// admits the caller as the probe.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if !ok {
		return true // No entry = closed
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailure) >= b.openDuration {
			b.transition(c, provider, StateHalfOpen)
			return true // Allow one probe
		}
		return false
	case StateHalfOpen:
		return false // A probe is already in flight
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if !ok {
		return
	}

	if c.state == StateHalfOpen {
		b.transition(c, provider, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failed request. Crossing the threshold, or
// failing the half-open probe, trips the circuit open.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[provider] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	if c.state == StateHalfOpen {
		b.transition(c, provider, StateOpen)
		return
	}

	if c.state == StateClosed && c.failures >= b.threshold {
		b.transition(c, provider, StateOpen)
	}
}

// State returns the current state for a provider. Unknown providers are
// closed.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if !ok {
		return StateClosed
	}
	return c.state
}

// transition changes state and bumps the transition counter.
// Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, provider string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	cbStateTransitions.WithLabelValues(provider, from.String(), to.String()).Inc()
}
