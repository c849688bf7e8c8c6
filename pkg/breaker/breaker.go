// Package breaker implements the per-node CLOSED/OPEN/HALF_OPEN circuit
// breaker that gates the Mesh transport's outbound calls.
package breaker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// Thresholds tunes one breaker instance. Defaults mirror the spec: 5
// failures, 30s open timeout, 2 consecutive half-open successes to close.
type Thresholds struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	SuccessThreshold int
}

// DefaultThresholds is the spec's documented default tuning.
var DefaultThresholds = Thresholds{FailureThreshold: 5, OpenTimeout: 30 * time.Second, SuccessThreshold: 2}

type nodeState struct {
	mu    sync.Mutex
	state contracts.CircuitStateName
	contracts.CircuitState
	// probeLimiter admits at most one HALF_OPEN probe per OpenTimeout
	// window, so concurrent callers don't all race the same recovering node.
	// It counts admissions, not calls in flight.
	probeLimiter *rate.Limiter
}

// Breaker tracks one contracts.CircuitState per node id for the lifetime of
// the process.
type Breaker struct {
	mu         sync.Mutex
	nodes      map[string]*nodeState
	thresholds Thresholds
	clock      func() time.Time
}

// New builds a Breaker using the given per-node thresholds.
func New(thresholds Thresholds) *Breaker {
	return &Breaker{
		nodes:      make(map[string]*nodeState),
		thresholds: thresholds,
		clock:      time.Now,
	}
}

func (b *Breaker) stateFor(nodeID string) *nodeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.nodes[nodeID]
	if !ok {
		ns = &nodeState{state: contracts.CircuitClosed}
		ns.CircuitState.State = contracts.CircuitClosed
		ns.CircuitState.LastStateChange = b.clock().UnixMilli()
		b.nodes[nodeID] = ns
	}
	return ns
}

// Allow reports whether a call to nodeID may proceed. OPEN rejects with
// CIRCUIT_OPEN unless the open timeout has elapsed, in which case it
// transitions to HALF_OPEN and admits one probe; while HALF_OPEN, one further
// call is admitted per open-timeout window and the rest get CIRCUIT_OPEN.
func (b *Breaker) Allow(nodeID string) error {
	ns := b.stateFor(nodeID)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	switch ns.state {
	case contracts.CircuitClosed:
		return nil
	case contracts.CircuitHalfOpen:
		if !ns.probeLimiter.Allow() {
			return chainerr.New(chainerr.CodeCircuitOpen, nodeID, "half-open probe in flight")
		}
		return nil
	case contracts.CircuitOpen:
		elapsed := b.clock().Sub(time.UnixMilli(ns.LastStateChange))
		if elapsed >= b.thresholds.OpenTimeout {
			ns.state = contracts.CircuitHalfOpen
			ns.LastStateChange = b.clock().UnixMilli()
			ns.Successes = 0
			ns.probeLimiter = rate.NewLimiter(rate.Every(b.thresholds.OpenTimeout), 1)
			ns.probeLimiter.Allow() // consume the burst token admitted above
			return nil
		}
		return chainerr.New(chainerr.CodeCircuitOpen, nodeID, "circuit open")
	default:
		return nil
	}
}

// Success records a successful call, resetting the failure count in
// CLOSED and, in HALF_OPEN, advancing toward the success threshold that
// closes the circuit.
func (b *Breaker) Success(nodeID string) {
	ns := b.stateFor(nodeID)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	switch ns.state {
	case contracts.CircuitClosed:
		ns.Failures = 0
	case contracts.CircuitHalfOpen:
		ns.Successes++
		if ns.Successes >= b.thresholds.SuccessThreshold {
			ns.state = contracts.CircuitClosed
			ns.Failures = 0
			ns.Successes = 0
			ns.LastStateChange = b.clock().UnixMilli()
		}
	}
}

// Failure records a failed call. In CLOSED, threshold failures open the
// circuit. In HALF_OPEN, any failure immediately reopens it.
func (b *Breaker) Failure(nodeID string) {
	ns := b.stateFor(nodeID)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	switch ns.state {
	case contracts.CircuitClosed:
		ns.Failures++
		if ns.Failures >= b.thresholds.FailureThreshold {
			ns.state = contracts.CircuitOpen
			ns.LastStateChange = b.clock().UnixMilli()
		}
	case contracts.CircuitHalfOpen:
		ns.state = contracts.CircuitOpen
		ns.Failures = 0
		ns.Successes = 0
		ns.LastStateChange = b.clock().UnixMilli()
	}
}

// State returns a snapshot of the node's current CircuitState.
func (b *Breaker) State(nodeID string) contracts.CircuitState {
	ns := b.stateFor(nodeID)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return contracts.CircuitState{
		State:           ns.state,
		Failures:        ns.Failures,
		Successes:       ns.Successes,
		LastStateChange: ns.LastStateChange,
	}
}
