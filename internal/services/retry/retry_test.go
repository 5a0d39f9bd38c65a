package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

func testRetrier(policy Policy) *Retrier {
	r := NewRetrier(policy, NewBreakerSet(5, time.Minute), arbor.NewLogger())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	r.rand = func() float64 { return 0.5 } // zero jitter
	return r
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	r := testRetrier(Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFraction: 0.2})

	calls := 0
	err := r.Execute(context.Background(), "capture", "example.com", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), r.Stats().Successes)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	r := testRetrier(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, JitterFraction: 0})

	calls := 0
	err := r.Execute(context.Background(), "capture", "example.com", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteCallsOpAtMostMaxRetriesPlusOne(t *testing.T) {
	r := testRetrier(Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second, JitterFraction: 0})

	calls := 0
	err := r.Execute(context.Background(), "capture", "example.com", func(ctx context.Context) error {
		calls++
		return errors.New("navigation timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // max_retries + 1
	assert.Equal(t, common.ErrMaxRetriesExceeded, common.CodeOf(err))
}

func TestExecutePermanentErrorSurfacesImmediately(t *testing.T) {
	r := testRetrier(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, JitterFraction: 0})

	cause := common.ValidationError("width out of range")
	calls := 0
	err := r.Execute(context.Background(), "capture", "", func(ctx context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, common.ErrValidation, common.CodeOf(err))
}

func TestExecuteUnknownErrorsStopAfterThree(t *testing.T) {
	r := testRetrier(Policy{MaxRetries: 10, BaseDelay: time.Millisecond, MaxDelay: time.Second, JitterFraction: 0})

	calls := 0
	err := r.Execute(context.Background(), "capture", "", func(ctx context.Context) error {
		calls++
		return errors.New("something inscrutable")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDelayMonotonicBeforeJitterAndWithinJitterBounds(t *testing.T) {
	policy := Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFraction: 0.2}
	r := testRetrier(policy)

	cause := errors.New("boom")
	var prev time.Duration
	for attempt := 0; attempt < 5; attempt++ {
		// rand fixed at 0.5 makes jitter zero, exposing the pre-jitter curve.
		d := r.Delay(attempt, cause)
		assert.GreaterOrEqual(t, d, prev, "delay must not decrease before jitter")
		assert.LessOrEqual(t, d, policy.MaxDelay)
		prev = d
	}

	// Jitter bounds: expected*(1-j) <= observed <= expected*(1+j).
	expected := 2 * time.Second // attempt 1, factor 1.0
	for _, rv := range []float64{0.0, 1.0} {
		r.rand = func() float64 { return rv }
		d := r.Delay(1, cause)
		lo := time.Duration(float64(expected) * (1 - policy.JitterFraction))
		hi := time.Duration(float64(expected) * (1 + policy.JitterFraction))
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestDelayAdaptiveFactors(t *testing.T) {
	r := testRetrier(Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, JitterFraction: 0})

	base := r.Delay(0, errors.New("plain failure"))
	timeoutDelay := r.Delay(0, errors.New("operation timeout"))
	memoryDelay := r.Delay(0, errors.New("out of memory"))
	connDelay := r.Delay(0, errors.New("connection dropped"))

	assert.Equal(t, time.Duration(float64(base)*1.5), timeoutDelay)
	assert.Equal(t, time.Duration(float64(base)*2.0), memoryDelay)
	assert.Equal(t, time.Duration(float64(base)*1.2), connDelay)
}

func TestExecuteNavigationFailsFastWhenBreakerOpen(t *testing.T) {
	r := testRetrier(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, JitterFraction: 0})

	cb := r.Breakers().Get("bad.example")
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	calls := 0
	err := r.ExecuteNavigation(context.Background(), "navigate", "bad.example", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, common.ErrCircuitBreakerOpen, common.CodeOf(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassPermanent, Classify(common.ValidationError("bad")))
	assert.Equal(t, ClassPermanent, Classify(context.Canceled))
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, Classify(errors.New("Target page, context or browser has been closed: target closed")))
	assert.Equal(t, ClassTransient, Classify(errors.New("read: connection reset by peer")))
	assert.Equal(t, ClassTransient, Classify(errors.New("Resource temporarily unavailable")))
	assert.Equal(t, ClassUnknown, Classify(errors.New("weird")))
}
