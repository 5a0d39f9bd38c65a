package models

import (
	"math"
	"sync"
	"time"
)

// ItemStatus tracks the lifecycle of a single batch item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemSuccess    ItemStatus = "success"
	ItemError      ItemStatus = "error"
)

// JobStatusValue tracks the aggregate lifecycle of a batch job.
type JobStatusValue string

const (
	JobPending             JobStatusValue = "pending"
	JobScheduled           JobStatusValue = "scheduled"
	JobProcessing          JobStatusValue = "processing"
	JobCompleted           JobStatusValue = "completed"
	JobCompletedWithErrors JobStatusValue = "completed_with_errors"
	JobFailed              JobStatusValue = "failed"
	JobCancelled           JobStatusValue = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatusValue) IsTerminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobPriority orders pending jobs on the priority heap.
type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// Rank projects the priority onto heap order: high < normal < low.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// RecurrencePattern names how a completed scheduled job re-enqueues itself.
type RecurrencePattern string

const (
	RecurrenceNone    RecurrencePattern = "none"
	RecurrenceHourly  RecurrencePattern = "hourly"
	RecurrenceDaily   RecurrencePattern = "daily"
	RecurrenceWeekly  RecurrencePattern = "weekly"
	RecurrenceMonthly RecurrencePattern = "monthly"
	RecurrenceCustom  RecurrencePattern = "custom"
)

// ItemRequest is one screenshot request inside a batch submission.
type ItemRequest struct {
	ID       string `json:"id" validate:"required"`
	URL      string `json:"url" validate:"required,url"`
	Width    int    `json:"width" validate:"omitempty,min=1,max=3840"`
	Height   int    `json:"height" validate:"omitempty,min=1,max=2160"`
	Format   string `json:"format" validate:"omitempty,oneof=png jpeg webp"`
	UseCache bool   `json:"use_cache"`
}

// ToScreenshotRequest converts the item into a pipeline request.
func (r ItemRequest) ToScreenshotRequest(useCache bool) ScreenshotRequest {
	req := ScreenshotRequest{
		URL:      r.URL,
		Width:    r.Width,
		Height:   r.Height,
		Format:   r.Format,
		UseCache: useCache,
	}
	req.Normalize()
	return req
}

// JobConfig controls batch execution.
type JobConfig struct {
	Parallel           int               `json:"parallel" validate:"min=1,max=10"`
	Timeout            int               `json:"timeout" validate:"min=5,max=60"` // seconds, per item
	FailFast           bool              `json:"fail_fast"`
	UseCache           bool              `json:"cache"`
	Webhook            string            `json:"webhook" validate:"omitempty,url"`
	WebhookAuth        string            `json:"webhook_auth"`
	Priority           JobPriority       `json:"priority" validate:"omitempty,oneof=high normal low"`
	ScheduledTime      *time.Time        `json:"scheduled_time"`
	Recurrence         RecurrencePattern `json:"recurrence" validate:"omitempty,oneof=none hourly daily weekly monthly custom"`
	RecurrenceInterval int               `json:"recurrence_interval"`
	RecurrenceCount    int               `json:"recurrence_count"`
	Cron               string            `json:"cron"`
	UserID             string            `json:"user_id"`
}

// Normalize fills defaults for zero values.
func (c *JobConfig) Normalize() {
	if c.Parallel == 0 {
		c.Parallel = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	if c.Recurrence == "" {
		c.Recurrence = RecurrenceNone
	}
	if c.RecurrenceInterval == 0 {
		c.RecurrenceInterval = 1
	}
}

// JobItem is one item owned by a BatchJob. Mutations go through the owning
// job's lock.
type JobItem struct {
	ID             string
	Request        ItemRequest
	Status         ItemStatus
	ResultURL      string
	Cached         bool
	Error          string
	StartTime      *time.Time
	EndTime        *time.Time
	ProcessingTime time.Duration
}

func (i *JobItem) terminal() bool {
	return i.Status == ItemSuccess || i.Status == ItemError
}

func (i *JobItem) startProcessing(now time.Time) {
	i.Status = ItemProcessing
	i.StartTime = &now
}

func (i *JobItem) complete(now time.Time, url string, cached bool) {
	i.Status = ItemSuccess
	i.ResultURL = url
	i.Cached = cached
	i.EndTime = &now
	if i.StartTime != nil {
		i.ProcessingTime = now.Sub(*i.StartTime)
	}
}

func (i *JobItem) fail(now time.Time, msg string) {
	i.Status = ItemError
	i.Error = msg
	i.EndTime = &now
	if i.StartTime != nil {
		i.ProcessingTime = now.Sub(*i.StartTime)
	}
}

// BatchJob owns its items; the job store owns all jobs. All mutation goes
// through methods holding the job's own mutex so aggregate invariants hold.
type BatchJob struct {
	mu sync.Mutex

	JobID             string
	Items             map[string]*JobItem
	Config            JobConfig
	Status            JobStatusValue
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	StartTime         *time.Time
	TotalProcessing   time.Duration
	NextScheduledTime *time.Time
	ParentJobID       string
	EnqueuedAt        time.Time
}

// NewBatchJob builds a job from validated items and config.
func NewBatchJob(jobID string, items []ItemRequest, config JobConfig) *BatchJob {
	now := time.Now()
	job := &BatchJob{
		JobID:     jobID,
		Items:     make(map[string]*JobItem, len(items)),
		Config:    config,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, item := range items {
		job.Items[item.ID] = &JobItem{
			ID:      item.ID,
			Request: item,
			Status:  ItemPending,
		}
	}
	if config.ScheduledTime != nil {
		job.Status = JobScheduled
	}
	return job
}

// StartProcessing marks the job as processing and records the start time.
func (j *BatchJob) StartProcessing() {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	j.Status = JobProcessing
	j.StartTime = &now
	j.UpdatedAt = now
}

// StartItem marks the item as processing.
func (j *BatchJob) StartItem(itemID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if item, ok := j.Items[itemID]; ok {
		item.startProcessing(time.Now())
		j.UpdatedAt = time.Now()
	}
}

// CompleteItem records an item success and recomputes the aggregate status.
func (j *BatchJob) CompleteItem(itemID, url string, cached bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if item, ok := j.Items[itemID]; ok && !item.terminal() {
		item.complete(time.Now(), url, cached)
	}
	j.recompute()
}

// FailItem records an item failure and recomputes the aggregate status.
func (j *BatchJob) FailItem(itemID, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if item, ok := j.Items[itemID]; ok && !item.terminal() {
		item.fail(time.Now(), msg)
	}
	j.recompute()
}

// CancelRemaining fails every non-terminal item with the given message and
// marks the job cancelled.
func (j *BatchJob) CancelRemaining(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	for _, item := range j.Items {
		if item.Status == ItemPending || item.Status == ItemProcessing {
			item.fail(now, msg)
		}
	}
	j.Status = JobCancelled
	j.UpdatedAt = now
	if j.CompletedAt == nil {
		j.CompletedAt = &now
		if j.StartTime != nil {
			j.TotalProcessing = now.Sub(*j.StartTime)
		}
	}
}

// MarkScheduled sets a future fire time and the scheduled status.
func (j *BatchJob) MarkScheduled(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Config.ScheduledTime = &at
	j.Status = JobScheduled
	j.UpdatedAt = time.Now()
}

// MarkPending moves a due scheduled job onto the pending path.
func (j *BatchJob) MarkPending() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = JobPending
	j.UpdatedAt = time.Now()
}

// recompute derives job status from item statuses. Caller holds j.mu.
func (j *BatchJob) recompute() {
	now := time.Now()
	j.UpdatedAt = now

	// Cancelled is sticky; item updates racing a cancel must not resurrect
	// the job.
	if j.Status == JobCancelled {
		return
	}

	counts := j.counts()
	switch {
	case counts.Total == 0:
		j.Status = JobFailed
	case counts.Pending == 0 && counts.Processing == 0:
		if counts.Error > 0 {
			if counts.Success > 0 {
				j.Status = JobCompletedWithErrors
			} else {
				j.Status = JobFailed
			}
		} else {
			j.Status = JobCompleted
		}
		if j.CompletedAt == nil {
			j.CompletedAt = &now
			if j.StartTime != nil {
				j.TotalProcessing = now.Sub(*j.StartTime)
			}
		}
	default:
		j.Status = JobProcessing
	}
}

type itemCounts struct {
	Total      int
	Pending    int
	Processing int
	Success    int
	Error      int
}

// counts tallies items by status. Caller holds j.mu.
func (j *BatchJob) counts() itemCounts {
	c := itemCounts{Total: len(j.Items)}
	for _, item := range j.Items {
		switch item.Status {
		case ItemPending:
			c.Pending++
		case ItemProcessing:
			c.Processing++
		case ItemSuccess:
			c.Success++
		case ItemError:
			c.Error++
		}
	}
	return c
}

// SetRecurrence updates the recurrence settings.
func (j *BatchJob) SetRecurrence(pattern RecurrencePattern, interval, count int, cron string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Config.Recurrence = pattern
	j.Config.RecurrenceInterval = interval
	j.Config.RecurrenceCount = count
	j.Config.Cron = cron
	j.UpdatedAt = time.Now()
}

// SetNextScheduled records when the recurring successor fires.
func (j *BatchJob) SetNextScheduled(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.NextScheduledTime = &at
	j.UpdatedAt = time.Now()
}

// ItemRequests returns copies of all item requests, for cloning the job
// into its recurring successor.
func (j *BatchJob) ItemRequests() []ItemRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	reqs := make([]ItemRequest, 0, len(j.Items))
	for _, item := range j.Items {
		reqs = append(reqs, item.Request)
	}
	return reqs
}

// ConfigSnapshot returns a copy of the job config under the lock.
func (j *BatchJob) ConfigSnapshot() JobConfig {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Config
}

// CurrentStatus returns the job status under the lock.
func (j *BatchJob) CurrentStatus() JobStatusValue {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// PendingItems returns the ids of items that have not started yet.
func (j *BatchJob) PendingItems() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]string, 0, len(j.Items))
	for id, item := range j.Items {
		if item.Status == ItemPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// ItemRequestFor returns a copy of the stored request for the item.
func (j *BatchJob) ItemRequestFor(itemID string) (ItemRequest, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	item, ok := j.Items[itemID]
	if !ok {
		return ItemRequest{}, false
	}
	return item.Request, true
}

// StatusSnapshot builds the externally visible status of the job.
func (j *BatchJob) StatusSnapshot() *JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	counts := j.counts()
	completed := counts.Success + counts.Error

	snapshot := &JobStatus{
		JobID:     j.JobID,
		Status:    j.Status,
		Total:     counts.Total,
		Completed: completed,
		Failed:    counts.Error,
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.Config.ScheduledTime != nil {
		s := j.Config.ScheduledTime.UTC().Format(time.RFC3339)
		snapshot.ScheduledTime = &s
	}
	if j.NextScheduledTime != nil {
		s := j.NextScheduledTime.UTC().Format(time.RFC3339)
		snapshot.NextScheduledTime = &s
	}

	// Estimate completion from average per-item elapsed time so far.
	if j.Status == JobProcessing && completed > 0 && j.StartTime != nil {
		elapsed := time.Since(*j.StartTime)
		perItem := elapsed / time.Duration(completed)
		remaining := time.Duration(counts.Pending+counts.Processing) * perItem
		eta := time.Now().Add(remaining).UTC().Format(time.RFC3339)
		snapshot.EstimatedCompletion = &eta
	}

	return snapshot
}

// Results builds the webhook/results payload. The field set and rounding
// are a wire contract; changing them breaks webhook consumers.
func (j *BatchJob) Results() *JobResults {
	j.mu.Lock()
	defer j.mu.Unlock()

	counts := j.counts()

	processing := j.TotalProcessing
	if processing == 0 && j.StartTime != nil && j.CompletedAt == nil {
		processing = time.Since(*j.StartTime)
	}

	results := &JobResults{
		JobID:          j.JobID,
		Status:         j.Status,
		Priority:       j.Config.Priority,
		Total:          counts.Total,
		Succeeded:      counts.Success,
		Failed:         counts.Error,
		ProcessingTime: math.Round(processing.Seconds()*100) / 100,
	}
	if j.Config.ScheduledTime != nil {
		s := j.Config.ScheduledTime.UTC().Format(time.RFC3339)
		results.ScheduledTime = &s
	}
	if j.Config.Recurrence != "" && j.Config.Recurrence != RecurrenceNone {
		r := string(j.Config.Recurrence)
		results.Recurrence = &r
	}

	results.Results = make([]ItemResult, 0, len(j.Items))
	for _, item := range j.Items {
		r := ItemResult{ID: item.ID, Status: item.Status}
		if item.ResultURL != "" {
			url := item.ResultURL
			r.URL = &url
		}
		if item.Error != "" {
			e := item.Error
			r.Error = &e
		}
		if item.Status == ItemSuccess {
			cached := item.Cached
			r.Cached = &cached
		}
		results.Results = append(results.Results, r)
	}

	return results
}

// JobStatus is the external status snapshot of a batch job.
type JobStatus struct {
	JobID               string         `json:"job_id"`
	Status              JobStatusValue `json:"status"`
	Total               int            `json:"total"`
	Completed           int            `json:"completed"`
	Failed              int            `json:"failed"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
	ScheduledTime       *string        `json:"scheduled_time,omitempty"`
	NextScheduledTime   *string        `json:"next_scheduled_time,omitempty"`
	EstimatedCompletion *string        `json:"estimated_completion"`
}

// JobResults is the results payload, also posted to webhooks verbatim.
type JobResults struct {
	JobID          string         `json:"job_id"`
	Status         JobStatusValue `json:"status"`
	Priority       JobPriority    `json:"priority"`
	Total          int            `json:"total"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	ProcessingTime float64        `json:"processing_time"`
	ScheduledTime  *string        `json:"scheduled_time"`
	Recurrence     *string        `json:"recurrence"`
	Results        []ItemResult   `json:"results"`
}

// ItemResult is one item's slice of the results payload.
type ItemResult struct {
	ID     string     `json:"id"`
	Status ItemStatus `json:"status"`
	URL    *string    `json:"url,omitempty"`
	Error  *string    `json:"error,omitempty"`
	Cached *bool      `json:"cached,omitempty"`
}
