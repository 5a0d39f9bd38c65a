package retry

import (
	"math/rand"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// halfOpenAdmitProbability is the independent admission probability while
// probing in the half-open state.
const halfOpenAdmitProbability = 0.3

// CircuitBreaker guards one domain against cascading failures. State
// transitions happen only via CanExecute, RecordSuccess and RecordFailure,
// all under the breaker's mutex.
type CircuitBreaker struct {
	mu sync.Mutex

	state       BreakerState
	failures    int
	threshold   int
	resetTime   time.Duration
	lastFailure time.Time

	trips     int64
	resets    int64
	successes int64
	failCount int64
	rejected  int64

	now  func() time.Time
	rand func() float64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, resetTime time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		resetTime: resetTime,
		now:       time.Now,
		rand:      rand.Float64,
	}
}

// CanExecute reports whether a request may proceed. An open breaker admits
// probabilistically as it approaches its reset deadline (progressive
// recovery) and transitions to half-open once the deadline passes.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed >= cb.resetTime {
			cb.state = StateHalfOpen
			return true
		}
		// Progressive recovery: in [0.5R, R) admit with probability
		// (elapsed - 0.5R) / (0.5R).
		half := cb.resetTime / 2
		if elapsed >= half {
			p := float64(elapsed-half) / float64(half)
			if cb.rand() < p {
				return true
			}
		}
		cb.rejected++
		return false

	case StateHalfOpen:
		if cb.rand() < halfOpenAdmitProbability {
			return true
		}
		cb.rejected++
		return false
	}

	return true
}

// RecordSuccess closes the breaker and resets the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	if cb.state != StateClosed {
		cb.resets++
	}
	cb.state = StateClosed
	cb.failures = 0
}

// RecordFailure counts a failure; reaching the threshold trips the breaker.
// A half-open failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failCount++
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.trips++
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold && cb.state == StateClosed {
		cb.state = StateOpen
		cb.trips++
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RemainingReset returns the time until an open breaker reaches its reset
// deadline; zero when the breaker is not open.
func (cb *CircuitBreaker) RemainingReset() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.resetTime - cb.now().Sub(cb.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stats returns breaker counters for observability.
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":     string(cb.state),
		"failures":  cb.failures,
		"trips":     cb.trips,
		"resets":    cb.resets,
		"successes": cb.successes,
		"fail_count": cb.failCount,
		"rejected":  cb.rejected,
	}
}

// BreakerSet holds one breaker per domain.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	resetTime time.Duration
}

// NewBreakerSet creates an empty per-domain breaker set.
func NewBreakerSet(threshold int, resetTime time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		resetTime: resetTime,
	}
}

// Get returns the breaker for a domain, creating it on first use.
func (s *BreakerSet) Get(domain string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[domain]
	if !ok {
		cb = NewCircuitBreaker(s.threshold, s.resetTime)
		s.breakers[domain] = cb
	}
	return cb
}

// Stats returns per-domain breaker counters.
func (s *BreakerSet) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]interface{}, len(s.breakers))
	for domain, cb := range s.breakers {
		out[domain] = cb.Stats()
	}
	return out
}
