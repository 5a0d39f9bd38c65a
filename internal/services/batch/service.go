package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
	"github.com/ternarybob/shutter/internal/models"
	"github.com/ternarybob/shutter/internal/services/ratelimit"
	"golang.org/x/sync/semaphore"
)

// schedulerTick is how often due scheduled jobs are promoted to pending.
const schedulerTick = time.Second

// dispatchPoll is how often the dispatcher re-checks an empty pending queue.
const dispatchPoll = 100 * time.Millisecond

// storeCleanupInterval is how often expired jobs are evicted.
const storeCleanupInterval = time.Hour

// maxConcurrentJobs bounds batch jobs running at once; item-level
// parallelism is bounded per job by its config.
const maxConcurrentJobs = 4

// workerDrainTimeout bounds how long shutdown waits for running jobs.
const workerDrainTimeout = 5 * time.Second

// Service is the batch engine: accepts submissions, schedules deferred and
// recurring jobs, and executes them against the capture pipeline.
type Service struct {
	settings *common.Settings
	store    *Store
	capturer interfaces.Capturer
	limiter  *ratelimit.Limiter
	webhooks *WebhookDispatcher
	validate *validator.Validate
	logger   arbor.ILogger

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	delivered map[string]*sync.Once
	closed    bool

	jobSem  *semaphore.Weighted
	workers sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopsWG   sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService wires the batch engine. The limiter may be nil to disable
// per-user admission control.
func NewService(settings *common.Settings, store *Store, capturer interfaces.Capturer, limiter *ratelimit.Limiter, logger arbor.ILogger) *Service {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Service{
		settings:  settings,
		store:     store,
		capturer:  capturer,
		limiter:   limiter,
		webhooks:  NewWebhookDispatcher(settings.Snapshot().Batch.WebhookTimeout, logger),
		validate:  validator.New(),
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
		delivered: make(map[string]*sync.Once),
		jobSem:    semaphore.NewWeighted(maxConcurrentJobs),
		runCtx:    runCtx,
		runCancel: runCancel,
		stopCh:    make(chan struct{}),
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Start launches the scheduler, dispatcher and store cleanup loops.
func (s *Service) Start() {
	s.loopsWG.Add(3)

	common.SafeGo(s.logger, "batch-scheduler", func() {
		defer s.loopsWG.Done()
		ticker := time.NewTicker(schedulerTick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.promoteDue()
			}
		}
	})

	common.SafeGo(s.logger, "batch-dispatcher", func() {
		defer s.loopsWG.Done()
		ticker := time.NewTicker(dispatchPoll)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.dispatch()
			}
		}
	})

	common.SafeGo(s.logger, "batch-store-cleanup", func() {
		defer s.loopsWG.Done()
		ticker := time.NewTicker(storeCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.store.Cleanup()
			}
		}
	})

	s.logger.Info().Msg("Batch service started")
}

// promoteDue moves fired scheduled jobs onto the pending queue.
func (s *Service) promoteDue() {
	for _, job := range s.store.DueScheduled(s.now()) {
		job.MarkPending()
		s.store.EnqueuePending(job)
		s.logger.Debug().Str("job_id", job.JobID).Msg("Scheduled job is due")
	}
}

// dispatch drains the pending queue into job workers.
func (s *Service) dispatch() {
	for {
		if !s.jobSem.TryAcquire(1) {
			return
		}
		job := s.store.DequeuePending()
		if job == nil {
			s.jobSem.Release(1)
			return
		}

		s.workers.Add(1)
		common.SafeGo(s.logger, "batch-job-"+job.JobID, func() {
			defer s.workers.Done()
			defer s.jobSem.Release(1)
			s.runJob(s.runCtx, job)
		})
	}
}

// Submit validates and accepts a batch of items.
func (s *Service) Submit(ctx context.Context, items []models.ItemRequest, config models.JobConfig, userID string) (*models.JobStatus, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, common.NewServiceError(common.ErrSystemOverloaded, "service is shutting down", nil)
	}

	if s.limiter != nil && userID != "" {
		if err := s.limiter.Acquire(ctx, userID, 1); err != nil {
			return nil, err
		}
	}

	cfg := s.settings.Snapshot()
	if len(items) == 0 {
		return nil, common.ValidationError("batch must contain at least one item")
	}
	if len(items) > cfg.Batch.MaxItems {
		return nil, common.ValidationError(fmt.Sprintf("batch exceeds %d items", cfg.Batch.MaxItems)).
			WithDetail("max_items", cfg.Batch.MaxItems)
	}

	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if err := s.validate.Struct(item); err != nil {
			return nil, common.NewServiceError(common.ErrValidation, fmt.Sprintf("invalid item at index %d", i), err)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, common.ValidationError(fmt.Sprintf("duplicate item id %q", item.ID))
		}
		seen[item.ID] = struct{}{}
	}

	config.Normalize()
	config.UserID = userID
	if err := s.validate.Struct(config); err != nil {
		return nil, common.NewServiceError(common.ErrValidation, "invalid job config", err)
	}
	if config.Recurrence == models.RecurrenceCustom {
		if _, err := NextRun(config.Recurrence, config.RecurrenceInterval, config.Cron, s.now()); err != nil {
			return nil, common.NewServiceError(common.ErrValidation, "invalid cron expression", err)
		}
	}
	if config.ScheduledTime != nil && !config.ScheduledTime.After(s.now()) {
		return nil, common.ValidationError("scheduled_time must be in the future")
	}

	job := models.NewBatchJob(common.NewJobID(), items, config)
	if err := s.store.Add(job); err != nil {
		return nil, err
	}

	if config.ScheduledTime != nil {
		s.store.EnqueueScheduled(job)
	} else {
		job.MarkPending()
		s.store.EnqueuePending(job)
	}

	s.logger.Info().
		Str("job_id", job.JobID).
		Int("items", len(items)).
		Str("priority", string(config.Priority)).
		Str("user_id", userID).
		Msg("Batch job accepted")
	return job.StatusSnapshot(), nil
}

// JobStatus returns the job's status snapshot.
func (s *Service) JobStatus(jobID string) (*models.JobStatus, error) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return nil, common.NewServiceError(common.ErrValidation, "job not found", nil).WithDetail("job_id", jobID)
	}
	return job.StatusSnapshot(), nil
}

// JobResults returns the job's results payload.
func (s *Service) JobResults(jobID string) (*models.JobResults, error) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return nil, common.NewServiceError(common.ErrValidation, "job not found", nil).WithDetail("job_id", jobID)
	}
	return job.Results(), nil
}

// Cancel stops a pending, scheduled or running job. Terminal jobs cannot be
// cancelled.
func (s *Service) Cancel(jobID string) error {
	job, ok := s.store.Get(jobID)
	if !ok {
		return common.NewServiceError(common.ErrValidation, "job not found", nil).WithDetail("job_id", jobID)
	}
	if job.CurrentStatus().IsTerminal() {
		return common.ValidationError("job already finished").WithDetail("job_id", jobID)
	}

	job.CancelRemaining(cancelledItemMessage)
	s.cancelRun(jobID)

	cfg := job.ConfigSnapshot()
	if cfg.Webhook != "" {
		s.dispatchWebhookOnce(job, cfg)
	}

	s.logger.Info().Str("job_id", jobID).Msg("Batch job cancelled")
	return nil
}

// Schedule defers a pending or scheduled job to the given RFC 3339 time.
func (s *Service) Schedule(jobID string, isoTime string) error {
	job, ok := s.store.Get(jobID)
	if !ok {
		return common.NewServiceError(common.ErrValidation, "job not found", nil).WithDetail("job_id", jobID)
	}

	at, err := time.Parse(time.RFC3339, isoTime)
	if err != nil {
		return common.NewServiceError(common.ErrValidation, "scheduled_time must be RFC 3339", err)
	}
	if !at.After(s.now()) {
		return common.ValidationError("scheduled_time must be in the future")
	}

	switch job.CurrentStatus() {
	case models.JobPending, models.JobScheduled:
	default:
		return common.ValidationError("only pending or scheduled jobs can be rescheduled")
	}

	job.MarkScheduled(at)
	s.store.EnqueueScheduled(job)
	s.logger.Info().Str("job_id", jobID).Str("at", at.UTC().Format(time.RFC3339)).Msg("Batch job scheduled")
	return nil
}

// SetRecurrence updates a job's recurrence settings.
func (s *Service) SetRecurrence(jobID string, pattern models.RecurrencePattern, interval, count int, cron string) error {
	job, ok := s.store.Get(jobID)
	if !ok {
		return common.NewServiceError(common.ErrValidation, "job not found", nil).WithDetail("job_id", jobID)
	}
	if job.CurrentStatus().IsTerminal() {
		return common.ValidationError("job already finished")
	}

	if pattern != models.RecurrenceNone {
		if _, err := NextRun(pattern, interval, cron, s.now()); err != nil {
			return common.NewServiceError(common.ErrValidation, "invalid recurrence", err)
		}
	}

	job.SetRecurrence(pattern, interval, count, cron)
	return nil
}

// registerCancel tracks a running job's cancel function.
func (s *Service) registerCancel(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[jobID] = cancel
}

func (s *Service) unregisterCancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		delete(s.cancels, jobID)
	}
}

// cancelRun aborts a job's in-flight items, if it is running.
func (s *Service) cancelRun(jobID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// dispatchWebhookOnce delivers the results payload exactly once per job.
func (s *Service) dispatchWebhookOnce(job *models.BatchJob, cfg models.JobConfig) {
	s.mu.Lock()
	once, ok := s.delivered[job.JobID]
	if !ok {
		once = &sync.Once{}
		s.delivered[job.JobID] = once
	}
	s.mu.Unlock()

	once.Do(func() {
		s.webhooks.Dispatch(cfg.Webhook, cfg.WebhookAuth, job.Results())
	})
}

// Stats returns engine counters and queue occupancy.
func (s *Service) Stats() map[string]interface{} {
	stats := s.store.Stats()
	s.mu.Lock()
	stats["running"] = len(s.cancels)
	s.mu.Unlock()
	return stats
}

// Shutdown stops admission, halts the loops, cancels running jobs and waits
// briefly for workers and webhook deliveries to drain.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopsWG.Wait()

	s.runCancel()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(workerDrainTimeout):
		s.logger.Warn().Msg("Shutdown timed out waiting for batch workers")
	case <-ctx.Done():
	}

	s.webhooks.Shutdown(ctx)
	s.logger.Info().Msg("Batch service shut down")
	return nil
}
