package batch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/models"
)

// stubCapturer scripts capture outcomes per URL.
type stubCapturer struct {
	mu    sync.Mutex
	calls int
	fn    func(req models.ScreenshotRequest) (models.ScreenshotResult, error)
}

func (c *stubCapturer) Capture(ctx context.Context, req models.ScreenshotRequest) (models.ScreenshotResult, error) {
	c.mu.Lock()
	c.calls++
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return models.ScreenshotResult{URL: "https://img/" + req.URL}, nil
}

func (c *stubCapturer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestService(t *testing.T, capturer *stubCapturer) *Service {
	t.Helper()
	cfg := common.NewDefaultConfig()
	settings := common.NewSettings(cfg)
	logger := arbor.NewLogger()
	s := NewService(settings, NewStore(cfg.Batch, logger), capturer, nil, logger)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func items(urls ...string) []models.ItemRequest {
	out := make([]models.ItemRequest, 0, len(urls))
	for i, u := range urls {
		out = append(out, models.ItemRequest{ID: "item-" + string(rune('a'+i)), URL: u})
	}
	return out
}

func TestSubmitValidation(t *testing.T) {
	s := newTestService(t, &stubCapturer{})

	_, err := s.Submit(context.Background(), nil, models.JobConfig{}, "u1")
	require.Error(t, err)
	assert.Equal(t, common.ErrValidation, common.CodeOf(err))

	dup := []models.ItemRequest{
		{ID: "same", URL: "https://a.com"},
		{ID: "same", URL: "https://b.com"},
	}
	_, err = s.Submit(context.Background(), dup, models.JobConfig{}, "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = s.Submit(context.Background(), items("https://a.com"), models.JobConfig{Parallel: 99}, "u1")
	require.Error(t, err)
	assert.Equal(t, common.ErrValidation, common.CodeOf(err))
}

func TestSubmitEnqueuesPendingJob(t *testing.T) {
	s := newTestService(t, &stubCapturer{})

	status, err := s.Submit(context.Background(), items("https://a.com", "https://b.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, status.Status)
	assert.Equal(t, 2, status.Total)
	assert.NotEmpty(t, status.JobID)

	job := s.store.DequeuePending()
	require.NotNil(t, job)
	assert.Equal(t, status.JobID, job.JobID)
}

func TestRunJobCompletesAllItems(t *testing.T) {
	cap := &stubCapturer{}
	s := newTestService(t, cap)

	status, err := s.Submit(context.Background(), items("https://a.com", "https://b.com", "https://c.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	require.NotNil(t, job)

	s.runJob(context.Background(), job)

	assert.Equal(t, models.JobCompleted, job.CurrentStatus())
	assert.Equal(t, 3, cap.callCount())

	results, err := s.JobResults(status.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, results.Succeeded)
	assert.Equal(t, 0, results.Failed)
}

func TestRunJobMixedOutcome(t *testing.T) {
	cap := &stubCapturer{fn: func(req models.ScreenshotRequest) (models.ScreenshotResult, error) {
		if req.URL == "https://bad.com" {
			return models.ScreenshotResult{}, common.ValidationError("nope")
		}
		return models.ScreenshotResult{URL: "https://img/x"}, nil
	}}
	s := newTestService(t, cap)

	_, err := s.Submit(context.Background(), items("https://good.com", "https://bad.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	s.runJob(context.Background(), job)

	assert.Equal(t, models.JobCompletedWithErrors, job.CurrentStatus())
}

func TestRunItemRetriesTimeouts(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	cap := &stubCapturer{}
	cap.fn = func(req models.ScreenshotRequest) (models.ScreenshotResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return models.ScreenshotResult{}, context.DeadlineExceeded
		}
		return models.ScreenshotResult{URL: "https://img/x"}, nil
	}
	s := newTestService(t, cap)

	_, err := s.Submit(context.Background(), items("https://slow.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	s.runJob(context.Background(), job)

	assert.Equal(t, models.JobCompleted, job.CurrentStatus())
	assert.Equal(t, 3, cap.callCount())
}

func TestRunItemGivesUpOnPermanentError(t *testing.T) {
	cap := &stubCapturer{fn: func(req models.ScreenshotRequest) (models.ScreenshotResult, error) {
		return models.ScreenshotResult{}, errors.New("invalid request")
	}}
	s := newTestService(t, cap)

	_, err := s.Submit(context.Background(), items("https://a.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	s.runJob(context.Background(), job)

	assert.Equal(t, models.JobFailed, job.CurrentStatus())
	assert.Equal(t, 1, cap.callCount(), "non-retryable errors fail immediately")
}

func TestFailFastCancelsRemainingItems(t *testing.T) {
	cap := &stubCapturer{fn: func(req models.ScreenshotRequest) (models.ScreenshotResult, error) {
		return models.ScreenshotResult{}, errors.New("permanent boom")
	}}
	s := newTestService(t, cap)

	_, err := s.Submit(context.Background(),
		items("https://a.com", "https://b.com", "https://c.com", "https://d.com"),
		models.JobConfig{Parallel: 1, FailFast: true}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	s.runJob(context.Background(), job)

	require.True(t, job.CurrentStatus().IsTerminal())
	results := job.Results()
	assert.Equal(t, 0, results.Succeeded)
	assert.Equal(t, 4, results.Failed)

	// Items stopped early by fail_fast carry the cancellation message, same
	// as an explicit cancel.
	skipped := 0
	for _, r := range results.Results {
		if r.Error != nil && *r.Error == cancelledItemMessage {
			skipped++
		}
	}
	assert.GreaterOrEqual(t, skipped, 1, "at least one item skipped by fail_fast")
}

func TestCancelPendingJob(t *testing.T) {
	s := newTestService(t, &stubCapturer{})

	status, err := s.Submit(context.Background(), items("https://a.com", "https://b.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(status.JobID))

	results, err := s.JobResults(status.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, results.Status)
	for _, r := range results.Results {
		require.NotNil(t, r.Error)
		assert.Equal(t, cancelledItemMessage, *r.Error)
	}

	// Terminal jobs cannot be cancelled again.
	require.Error(t, s.Cancel(status.JobID))
}

func TestScheduleAndPromote(t *testing.T) {
	s := newTestService(t, &stubCapturer{})

	status, err := s.Submit(context.Background(), items("https://a.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)
	// Drain the immediate enqueue so scheduling controls execution.
	require.NotNil(t, s.store.DequeuePending())

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, s.Schedule(status.JobID, at))

	got, err := s.JobStatus(status.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobScheduled, got.Status)

	// Not due yet.
	s.promoteDue()
	assert.Nil(t, s.store.DequeuePending())

	// Past the fire time the scheduler promotes it.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.promoteDue()
	job := s.store.DequeuePending()
	require.NotNil(t, job)
	assert.Equal(t, status.JobID, job.JobID)
}

func TestSubmitRejectsPastScheduledTime(t *testing.T) {
	s := newTestService(t, &stubCapturer{})

	past := time.Now().Add(-time.Hour)
	_, err := s.Submit(context.Background(), items("https://a.com"),
		models.JobConfig{ScheduledTime: &past}, "u1")
	require.Error(t, err)
	assert.Equal(t, common.ErrValidation, common.CodeOf(err))
	assert.Nil(t, s.store.DequeuePending(), "rejected jobs are never enqueued")
}

func TestScheduleRejectsPastAndBadTimes(t *testing.T) {
	s := newTestService(t, &stubCapturer{})
	status, err := s.Submit(context.Background(), items("https://a.com"), models.JobConfig{}, "u1")
	require.NoError(t, err)

	require.Error(t, s.Schedule(status.JobID, "yesterday"))
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	require.Error(t, s.Schedule(status.JobID, past))
}

func TestRecurringJobSpawnsSuccessor(t *testing.T) {
	s := newTestService(t, &stubCapturer{})

	_, err := s.Submit(context.Background(), items("https://a.com"),
		models.JobConfig{Recurrence: models.RecurrenceDaily, RecurrenceCount: 3}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	s.runJob(context.Background(), job)

	require.Equal(t, models.JobCompleted, job.CurrentStatus())
	require.NotNil(t, job.NextScheduledTime)

	due := s.store.DueScheduled(time.Now().AddDate(0, 0, 2))
	require.Len(t, due, 1)
	successor := due[0]
	assert.Equal(t, job.JobID, successor.ParentJobID)
	assert.Equal(t, 2, successor.Config.RecurrenceCount)
	assert.Len(t, successor.Items, 1)
}

func TestRecurrenceCountOneIsLastOccurrence(t *testing.T) {
	s := newTestService(t, &stubCapturer{})

	_, err := s.Submit(context.Background(), items("https://a.com"),
		models.JobConfig{Recurrence: models.RecurrenceDaily, RecurrenceCount: 1}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	s.runJob(context.Background(), job)

	assert.Empty(t, s.store.DueScheduled(time.Now().AddDate(0, 1, 0)))
}

func TestWebhookDeliversResultsPayload(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestService(t, &stubCapturer{})
	_, err := s.Submit(context.Background(), items("https://a.com"),
		models.JobConfig{Webhook: srv.URL, WebhookAuth: "Bearer tok"}, "u1")
	require.NoError(t, err)
	job := s.store.DequeuePending()
	s.runJob(context.Background(), job)

	select {
	case payload := <-received:
		assert.Equal(t, job.JobID, payload["job_id"])
		assert.Equal(t, "completed", payload["status"])
		assert.Equal(t, "normal", payload["priority"])
		assert.Equal(t, float64(1), payload["total"])
		assert.Equal(t, float64(1), payload["succeeded"])
		assert.Equal(t, float64(0), payload["failed"])
		assert.Contains(t, payload, "processing_time")
		assert.Contains(t, payload, "scheduled_time")
		assert.Contains(t, payload, "recurrence")
		assert.Contains(t, payload, "results")
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestShutdownStopsAdmission(t *testing.T) {
	s := newTestService(t, &stubCapturer{})
	s.Start()
	require.NoError(t, s.Shutdown(context.Background()))

	_, err := s.Submit(context.Background(), items("https://a.com"), models.JobConfig{}, "u1")
	require.Error(t, err)
	assert.Equal(t, common.ErrSystemOverloaded, common.CodeOf(err))
}
