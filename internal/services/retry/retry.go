// Package retry provides the generic retry engine with exponential backoff
// and the per-domain circuit breakers that guard navigation operations.
package retry

import (
	"math/rand"
	"sync/atomic"
	"time"

	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// Policy is the immutable retry tuple.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// PolicyFromConfig builds a policy from configuration.
func PolicyFromConfig(cfg common.RetryConfig) Policy {
	return Policy{
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		JitterFraction: cfg.JitterFraction,
	}
}

// Stats are cumulative retry counters.
type Stats struct {
	Attempts  int64
	Successes int64
	Failures  int64
	Retries   int64
	Rejected  int64
}

// Retrier executes operations with backoff, consulting the circuit breaker
// for the operation's domain before every attempt.
type Retrier struct {
	policy   Policy
	breakers *BreakerSet
	logger   arbor.ILogger

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64
	rejected  atomic.Int64

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retry engine sharing the given breaker set.
func NewRetrier(policy Policy, breakers *BreakerSet, logger arbor.ILogger) *Retrier {
	return &Retrier{
		policy:   policy,
		breakers: breakers,
		logger:   logger,
		rand:     rand.Float64,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs op with retries. The domain selects the circuit breaker;
// pass an empty domain for operations without one.
func (r *Retrier) Execute(ctx context.Context, name, domain string, op func(ctx context.Context) error) error {
	return r.execute(ctx, name, domain, false, op)
}

// ExecuteNavigation is Execute for navigation-class operations: when the
// domain's breaker is open the call fails fast instead of burning retries,
// so a failing origin cannot cascade into pool exhaustion.
func (r *Retrier) ExecuteNavigation(ctx context.Context, name, domain string, op func(ctx context.Context) error) error {
	return r.execute(ctx, name, domain, true, op)
}

func (r *Retrier) execute(ctx context.Context, name, domain string, navClass bool, op func(ctx context.Context) error) error {
	var breaker *CircuitBreaker
	if domain != "" {
		breaker = r.breakers.Get(domain)
	}

	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if breaker != nil && !breaker.CanExecute() {
			r.rejected.Add(1)
			if navClass {
				return common.CircuitOpenError(name, breaker.RemainingReset())
			}
			lastErr = common.CircuitOpenError(name, breaker.RemainingReset())
			if attempt < r.policy.MaxRetries {
				if err := r.backoff(ctx, attempt, lastErr, name); err != nil {
					return err
				}
				continue
			}
			break
		}

		r.attempts.Add(1)
		lastErr = op(ctx)
		if lastErr == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			r.successes.Add(1)
			return nil
		}

		if breaker != nil {
			breaker.RecordFailure()
		}

		switch Classify(lastErr) {
		case ClassPermanent:
			// Preserve the original error kind; permanent failures surface
			// immediately rather than as retries-exceeded.
			r.failures.Add(1)
			return lastErr
		case ClassUnknown:
			if attempt >= unknownRetryLimit-1 {
				r.failures.Add(1)
				return common.RetriesExceededError(name, attempt, lastErr)
			}
		}

		if attempt < r.policy.MaxRetries {
			r.retries.Add(1)
			if err := r.backoff(ctx, attempt, lastErr, name); err != nil {
				return err
			}
		}
	}

	r.failures.Add(1)
	return common.RetriesExceededError(name, r.policy.MaxRetries, lastErr)
}

// backoff sleeps for the attempt's delay, cancellable via ctx.
func (r *Retrier) backoff(ctx context.Context, attempt int, cause error, name string) error {
	delay := r.Delay(attempt, cause)
	r.logger.Debug().
		Str("operation", name).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Err(cause).
		Msg("Retrying after backoff")
	return r.sleep(ctx, delay)
}

// Delay computes the backoff for retry N (0-based): exponential growth
// clamped to MaxDelay, scaled by the error's adaptive factor, clamped
// again, then jittered by ±JitterFraction.
func (r *Retrier) Delay(attempt int, cause error) time.Duration {
	base := float64(r.policy.BaseDelay) * float64(int64(1)<<uint(attempt))
	if base > float64(r.policy.MaxDelay) {
		base = float64(r.policy.MaxDelay)
	}

	base *= adaptiveFactor(cause)
	if base > float64(r.policy.MaxDelay) {
		base = float64(r.policy.MaxDelay)
	}

	jitter := base * r.policy.JitterFraction * (r.rand()*2 - 1)
	delay := base + jitter
	if delay < 0 {
		delay = float64(r.policy.BaseDelay)
	}

	return time.Duration(delay)
}

// Stats returns a snapshot of the cumulative counters.
func (r *Retrier) Stats() Stats {
	return Stats{
		Attempts:  r.attempts.Load(),
		Successes: r.successes.Load(),
		Failures:  r.failures.Load(),
		Retries:   r.retries.Load(),
		Rejected:  r.rejected.Load(),
	}
}

// Breakers exposes the breaker set for stats and direct consultation.
func (r *Retrier) Breakers() *BreakerSet {
	return r.breakers
}
