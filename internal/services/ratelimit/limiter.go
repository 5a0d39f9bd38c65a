// Package ratelimit provides per-user token bucket admission control for
// batch submissions.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"golang.org/x/time/rate"
)

// maxWait bounds how long an admission may sleep for tokens before the
// request is rejected outright.
const maxWait = 5 * time.Second

// defaultTier is used when a user has no tier assignment.
const defaultTier = "free"

// Limiter applies tiered token buckets per user.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	tiers   map[string]common.TierLimit
	users   map[string]string // user id -> tier name
	logger  arbor.ILogger

	waited   int64
	rejected int64
}

// NewLimiter creates a limiter with the configured tier defaults.
func NewLimiter(cfg common.RateLimitConfig, logger arbor.ILogger) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		tiers:   cfg.Tiers,
		users:   make(map[string]string),
		logger:  logger,
	}
}

// SetUserTier assigns a tier to a user; subsequent acquisitions use the
// tier's bucket parameters.
func (l *Limiter) SetUserTier(userID, tier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[userID] = tier
	delete(l.buckets, userID) // rebuild on next acquire
}

// bucketFor returns the user's bucket, creating it from tier defaults.
func (l *Limiter) bucketFor(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[userID]; ok {
		return b
	}

	tierName, ok := l.users[userID]
	if !ok {
		tierName = defaultTier
	}
	tier, ok := l.tiers[tierName]
	if !ok {
		tier = common.TierLimit{Rate: 10, Per: time.Minute, Burst: 5}
	}

	per := tier.Per
	if per <= 0 {
		per = time.Second
	}
	b := rate.NewLimiter(rate.Limit(tier.Rate/per.Seconds()), tier.Burst)
	l.buckets[userID] = b
	return b
}

// Acquire takes n tokens for the user. Requests that would wait longer than
// maxWait are rejected with a rate_limited error carrying the wait estimate.
func (l *Limiter) Acquire(ctx context.Context, userID string, n int) error {
	bucket := l.bucketFor(userID)

	reservation := bucket.ReserveN(time.Now(), n)
	if !reservation.OK() {
		l.mu.Lock()
		l.rejected++
		l.mu.Unlock()
		return common.NewServiceError(common.ErrRateLimited, "request exceeds burst capacity", nil)
	}

	delay := reservation.Delay()
	if delay > maxWait {
		reservation.Cancel()
		l.mu.Lock()
		l.rejected++
		l.mu.Unlock()
		return common.NewServiceError(common.ErrRateLimited, "rate limit exceeded", nil).
			WithDetail("retry_after_seconds", delay.Seconds())
	}

	if delay > 0 {
		l.mu.Lock()
		l.waited++
		l.mu.Unlock()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			reservation.Cancel()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return nil
}

// Stats returns admission counters.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"active_buckets": len(l.buckets),
		"waited":         l.waited,
		"rejected":       l.rejected,
	}
}
