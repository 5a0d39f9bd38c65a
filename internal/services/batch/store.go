package batch

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/models"
)

// pendingHeap orders runnable jobs by priority rank, ties by enqueue time.
type pendingHeap []*models.BatchJob

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	ri, rj := h[i].Config.Priority.Rank(), h[j].Config.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*models.BatchJob)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// scheduledHeap orders deferred jobs by fire time.
type scheduledHeap []*models.BatchJob

func (h scheduledHeap) Len() int { return len(h) }
func (h scheduledHeap) Less(i, j int) bool {
	return h[i].Config.ScheduledTime.Before(*h[j].Config.ScheduledTime)
}
func (h scheduledHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scheduledHeap) Push(x interface{}) { *h = append(*h, x.(*models.BatchJob)) }
func (h *scheduledHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Store holds all known jobs plus the pending and scheduled queues. Jobs
// stay retrievable after completion until the TTL evicts them.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*models.BatchJob
	pending   pendingHeap
	scheduled scheduledHeap
	maxJobs   int
	jobTTL    time.Duration
	logger    arbor.ILogger

	now func() time.Time
}

// NewStore creates a job store.
func NewStore(cfg common.BatchConfig, logger arbor.ILogger) *Store {
	return &Store{
		jobs:    make(map[string]*models.BatchJob),
		maxJobs: cfg.MaxJobs,
		jobTTL:  cfg.JobTTL,
		logger:  logger,
		now:     time.Now,
	}
}

// Add registers a new job. At capacity, expired terminal jobs are evicted
// first; if the store is still full the submission is rejected.
func (s *Store) Add(job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) >= s.maxJobs {
		s.evictExpiredLocked()
	}
	if len(s.jobs) >= s.maxJobs {
		return common.NewServiceError(common.ErrSystemOverloaded, "too many jobs", nil).
			WithDetail("max_jobs", s.maxJobs)
	}

	s.jobs[job.JobID] = job
	return nil
}

// Get returns the job by id.
func (s *Store) Get(jobID string) (*models.BatchJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// EnqueuePending pushes a runnable job onto the priority queue.
func (s *Store) EnqueuePending(job *models.BatchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.EnqueuedAt = s.now()
	heap.Push(&s.pending, job)
}

// DequeuePending pops the highest-priority runnable job, skipping jobs that
// were cancelled while queued. Returns nil when the queue is empty.
func (s *Store) DequeuePending() *models.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending.Len() > 0 {
		job := heap.Pop(&s.pending).(*models.BatchJob)
		if job.CurrentStatus() != models.JobPending {
			continue
		}
		return job
	}
	return nil
}

// EnqueueScheduled pushes a deferred job onto the schedule queue.
func (s *Store) EnqueueScheduled(job *models.BatchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.scheduled, job)
}

// DueScheduled pops every scheduled job whose fire time has passed.
// Cancelled jobs are dropped silently.
func (s *Store) DueScheduled(now time.Time) []*models.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.BatchJob
	for s.scheduled.Len() > 0 {
		next := s.scheduled[0]
		if next.Config.ScheduledTime == nil || next.Config.ScheduledTime.After(now) {
			break
		}
		heap.Pop(&s.scheduled)
		if next.CurrentStatus() != models.JobScheduled {
			continue
		}
		due = append(due, next)
	}
	return due
}

// Cleanup evicts terminal jobs past the TTL. Returns the eviction count.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked()
}

// evictExpiredLocked removes terminal jobs whose last update is older than
// the TTL. Caller holds the lock.
func (s *Store) evictExpiredLocked() int {
	cutoff := s.now().Add(-s.jobTTL)
	removed := 0
	for id, job := range s.jobs {
		if job.CurrentStatus().IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Evicted expired jobs")
	}
	return removed
}

// Stats returns store occupancy.
func (s *Store) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"jobs":      len(s.jobs),
		"pending":   s.pending.Len(),
		"scheduled": s.scheduled.Len(),
		"max_jobs":  s.maxJobs,
	}
}
