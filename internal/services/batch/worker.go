package batch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/models"
	"golang.org/x/sync/semaphore"
)

// itemMaxRetries is the per-item retry budget inside a batch, on top of the
// pipeline's own retry handling.
const itemMaxRetries = 3

// cancelledItemMessage is the error recorded on items skipped by a cancel,
// including items a fail_fast failure stops early.
const cancelledItemMessage = "Job cancelled"

// runJob executes every pending item with the job's parallelism.
func (s *Service) runJob(ctx context.Context, job *models.BatchJob) {
	cfg := job.ConfigSnapshot()

	jobCtx, cancel := context.WithCancel(ctx)
	s.registerCancel(job.JobID, cancel)
	defer s.unregisterCancel(job.JobID)

	job.StartProcessing()
	s.logger.Info().
		Str("job_id", job.JobID).
		Int("items", len(job.PendingItems())).
		Int("parallel", cfg.Parallel).
		Str("priority", string(cfg.Priority)).
		Msg("Batch job started")

	sem := semaphore.NewWeighted(int64(cfg.Parallel))
	done := make(chan struct{}, len(job.Items))
	launched := 0

	for _, itemID := range job.PendingItems() {
		if jobCtx.Err() != nil {
			break
		}
		if err := sem.Acquire(jobCtx, 1); err != nil {
			break
		}
		launched++
		id := itemID
		go func() {
			defer func() { done <- struct{}{} }()
			defer sem.Release(1)
			s.runItem(jobCtx, job, id, cfg)
		}()
	}

	for i := 0; i < launched; i++ {
		<-done
	}

	s.finishJob(job)
}

// runItem captures one item with per-item timeout and bounded retries on
// transient browser failures.
func (s *Service) runItem(ctx context.Context, job *models.BatchJob, itemID string, cfg models.JobConfig) {
	if job.CurrentStatus() == models.JobCancelled {
		return
	}

	req, ok := job.ItemRequestFor(itemID)
	if !ok {
		return
	}
	job.StartItem(itemID)

	itemTimeout := time.Duration(cfg.Timeout) * time.Second
	var lastErr error

	for attempt := 0; attempt <= itemMaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		itemCtx, cancel := context.WithTimeout(ctx, itemTimeout)
		res, err := s.capturer.Capture(itemCtx, req.ToScreenshotRequest(cfg.UseCache))
		cancel()

		if err == nil {
			job.CompleteItem(itemID, res.URL, res.Cached)
			return
		}
		lastErr = err

		if attempt == itemMaxRetries || !itemRetryable(err) {
			break
		}
		// 1s, 2s, 4s between attempts.
		if serr := s.sleep(ctx, time.Duration(1<<attempt)*time.Second); serr != nil {
			lastErr = serr
			break
		}
	}

	msg := "capture failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	if errors.Is(lastErr, context.Canceled) {
		msg = cancelledItemMessage
	}
	job.FailItem(itemID, msg)

	s.logger.Warn().
		Str("job_id", job.JobID).
		Str("item_id", itemID).
		Str("url", req.URL).
		Err(lastErr).
		Msg("Batch item failed")

	if cfg.FailFast && job.CurrentStatus() != models.JobCancelled {
		s.failFast(job)
	}
}

// itemRetryable reports whether an item failure is worth another attempt:
// timeouts and closed browser targets recover on a fresh page.
func itemRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "closed") && (strings.Contains(msg, "context") || strings.Contains(msg, "browser") || strings.Contains(msg, "target") || strings.Contains(msg, "page")) {
		return true
	}
	return strings.Contains(msg, "timeout")
}

// failFast stops the rest of the job after the first item failure.
func (s *Service) failFast(job *models.BatchJob) {
	for _, id := range job.PendingItems() {
		job.FailItem(id, cancelledItemMessage)
	}
	s.cancelRun(job.JobID)
	s.logger.Info().Str("job_id", job.JobID).Msg("Fail-fast stopped remaining items")
}

// finishJob handles terminal bookkeeping: webhook delivery and spawning the
// recurring successor.
func (s *Service) finishJob(job *models.BatchJob) {
	status := job.CurrentStatus()
	if !status.IsTerminal() {
		return
	}

	results := job.Results()
	s.logger.Info().
		Str("job_id", job.JobID).
		Str("status", string(status)).
		Int("succeeded", results.Succeeded).
		Int("failed", results.Failed).
		Msg("Batch job finished")

	cfg := job.ConfigSnapshot()
	if cfg.Webhook != "" {
		s.dispatchWebhookOnce(job, cfg)
	}

	if status != models.JobCancelled {
		s.spawnSuccessor(job, cfg)
	}
}

// spawnSuccessor enqueues the next occurrence of a recurring job.
func (s *Service) spawnSuccessor(job *models.BatchJob, cfg models.JobConfig) {
	if cfg.Recurrence == "" || cfg.Recurrence == models.RecurrenceNone {
		return
	}
	// A count of 1 means this occurrence was the last; zero is unlimited.
	if cfg.RecurrenceCount == 1 {
		return
	}

	base := s.now()
	if cfg.ScheduledTime != nil && cfg.ScheduledTime.After(base) {
		base = *cfg.ScheduledTime
	}

	next, err := NextRun(cfg.Recurrence, cfg.RecurrenceInterval, cfg.Cron, base)
	if err != nil {
		s.logger.Error().Str("job_id", job.JobID).Err(err).Msg("Recurrence computation failed")
		return
	}
	job.SetNextScheduled(next)

	nextCfg := cfg
	nextCfg.ScheduledTime = &next
	if cfg.RecurrenceCount > 0 {
		nextCfg.RecurrenceCount = cfg.RecurrenceCount - 1
	}

	successor := models.NewBatchJob(common.NewJobID(), job.ItemRequests(), nextCfg)
	successor.ParentJobID = job.JobID

	if err := s.store.Add(successor); err != nil {
		s.logger.Error().Str("job_id", job.JobID).Err(err).Msg("Could not store recurring successor")
		return
	}
	s.store.EnqueueScheduled(successor)

	s.logger.Info().
		Str("job_id", job.JobID).
		Str("successor", successor.JobID).
		Str("next_run", next.UTC().Format(time.RFC3339)).
		Msg("Scheduled recurring successor")
}
