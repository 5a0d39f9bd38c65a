// Package throttle bounds concurrent capture work with a weighted semaphore
// and a bounded admission queue in front of it.
package throttle

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"golang.org/x/sync/semaphore"
)

// Throttle admits at most maxConcurrent requests; up to queueSize more may
// wait for a slot, and anything beyond that is rejected immediately.
type Throttle struct {
	sem       *semaphore.Weighted
	queueSize int
	logger    arbor.ILogger

	mu         sync.Mutex
	active     int
	queued     int
	peakActive int
	peakQueued int
	processed  int64
	rejected   int64
}

// New creates a throttle from configuration.
func New(cfg common.ThrottleConfig, logger arbor.ILogger) *Throttle {
	return &Throttle{
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queueSize: cfg.QueueSize,
		logger:    logger,
	}
}

// Acquire blocks until a slot is free or ctx is done. A free slot is taken
// immediately; only when concurrency is at max does the caller join the
// waiting queue, and a full queue fails fast with a system_overloaded error.
func (t *Throttle) Acquire(ctx context.Context) error {
	if t.sem.TryAcquire(1) {
		t.mu.Lock()
		t.active++
		if t.active > t.peakActive {
			t.peakActive = t.active
		}
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	if t.queued >= t.queueSize {
		t.rejected++
		queued := t.queued
		t.mu.Unlock()
		t.logger.Warn().
			Int("queued", queued).
			Int("queue_size", t.queueSize).
			Msg("Throttle queue full, rejecting request")
		return common.NewServiceError(common.ErrSystemOverloaded, "queue full", nil).
			WithDetail("queued", queued)
	}
	t.queued++
	if t.queued > t.peakQueued {
		t.peakQueued = t.queued
	}
	t.mu.Unlock()

	err := t.sem.Acquire(ctx, 1)

	t.mu.Lock()
	t.queued--
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.active++
	if t.active > t.peakActive {
		t.peakActive = t.active
	}
	t.mu.Unlock()
	return nil
}

// Release returns a slot. Every successful Acquire must be paired with
// exactly one Release.
func (t *Throttle) Release() {
	t.mu.Lock()
	t.active--
	t.processed++
	t.mu.Unlock()
	t.sem.Release(1)
}

// Stats returns a snapshot of throttle occupancy.
func (t *Throttle) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"active":      t.active,
		"queued":      t.queued,
		"peak_active": t.peakActive,
		"peak_queued": t.peakQueued,
		"processed":   t.processed,
		"rejected":    t.rejected,
	}
}
