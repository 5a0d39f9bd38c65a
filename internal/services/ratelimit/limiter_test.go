package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

func testConfig() common.RateLimitConfig {
	return common.RateLimitConfig{
		Tiers: map[string]common.TierLimit{
			"free":    {Rate: 60, Per: time.Minute, Burst: 2},
			"premium": {Rate: 600, Per: time.Minute, Burst: 100},
		},
	}
}

func TestAcquireWithinBurstSucceeds(t *testing.T) {
	l := NewLimiter(testConfig(), arbor.NewLogger())

	require.NoError(t, l.Acquire(context.Background(), "u1", 1))
	require.NoError(t, l.Acquire(context.Background(), "u1", 1))
}

func TestAcquireBeyondBurstCapacityRejected(t *testing.T) {
	l := NewLimiter(testConfig(), arbor.NewLogger())

	err := l.Acquire(context.Background(), "u1", 3) // burst is 2
	require.Error(t, err)
	assert.Equal(t, common.ErrRateLimited, common.CodeOf(err))
}

func TestAcquireShortWaitSleepsAndSucceeds(t *testing.T) {
	l := NewLimiter(testConfig(), arbor.NewLogger())

	// Drain the burst; the next token arrives in ~1s at 60/min.
	require.NoError(t, l.Acquire(context.Background(), "u1", 2))

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "u1", 1))
	assert.Greater(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireUsesPerUserBuckets(t *testing.T) {
	l := NewLimiter(testConfig(), arbor.NewLogger())

	require.NoError(t, l.Acquire(context.Background(), "u1", 2))
	// A different user has an untouched bucket.
	require.NoError(t, l.Acquire(context.Background(), "u2", 2))
}

func TestSetUserTierChangesBucket(t *testing.T) {
	l := NewLimiter(testConfig(), arbor.NewLogger())
	l.SetUserTier("u1", "premium")

	// Premium burst of 100 admits what free never could.
	require.NoError(t, l.Acquire(context.Background(), "u1", 50))
}

func TestAcquireContextCancelDuringWait(t *testing.T) {
	l := NewLimiter(testConfig(), arbor.NewLogger())
	require.NoError(t, l.Acquire(context.Background(), "u1", 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "u1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
