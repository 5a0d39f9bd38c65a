package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock makes breaker time deterministic.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fixedClock) {
	clock := &fixedClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(threshold, reset)
	cb.now = clock.now
	cb.rand = func() float64 { return 0.99 } // deny probabilistic admissions by default
	return cb, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := testBreaker(3, 2*time.Second)

	// threshold-1 consecutive failures keep the breaker closed.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestBreakerHalfOpenAfterReset(t *testing.T) {
	cb, clock := testBreaker(1, 2*time.Second)

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	// After reset_time of no traffic, one admission is allowed.
	clock.advance(2 * time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb, clock := testBreaker(1, time.Second)
	cb.RecordFailure()
	clock.advance(time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker(1, time.Second)
	cb.RecordFailure()
	clock.advance(time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestBreakerProgressiveRecovery(t *testing.T) {
	cb, clock := testBreaker(1, 10*time.Second)
	cb.RecordFailure()

	// Before the halfway point no probabilistic admission happens even with
	// the most permissive random draw.
	cb.rand = func() float64 { return 0.0 }
	clock.advance(4 * time.Second)
	assert.False(t, cb.CanExecute())

	// At 7.5s elapsed the admission probability is (7.5-5)/5 = 0.5.
	clock.advance(3500 * time.Millisecond)
	cb.rand = func() float64 { return 0.49 }
	assert.True(t, cb.CanExecute())
	require.Equal(t, StateOpen, cb.State()) // progressive admission does not change state

	cb.rand = func() float64 { return 0.51 }
	assert.False(t, cb.CanExecute())
}

func TestBreakerHalfOpenAdmitsWithProbability(t *testing.T) {
	cb, clock := testBreaker(1, time.Second)
	cb.RecordFailure()
	clock.advance(time.Second)
	require.True(t, cb.CanExecute()) // transitions to half-open

	cb.rand = func() float64 { return 0.29 }
	assert.True(t, cb.CanExecute())
	cb.rand = func() float64 { return 0.31 }
	assert.False(t, cb.CanExecute())
}

func TestBreakerRemainingReset(t *testing.T) {
	cb, clock := testBreaker(1, 10*time.Second)
	assert.Equal(t, time.Duration(0), cb.RemainingReset())

	cb.RecordFailure()
	clock.advance(4 * time.Second)
	assert.Equal(t, 6*time.Second, cb.RemainingReset())
}

func TestBreakerSetIsPerDomain(t *testing.T) {
	set := NewBreakerSet(1, time.Second)

	set.Get("a.example").RecordFailure()
	assert.Equal(t, StateOpen, set.Get("a.example").State())
	assert.Equal(t, StateClosed, set.Get("b.example").State())
	assert.Same(t, set.Get("a.example"), set.Get("a.example"))
}
