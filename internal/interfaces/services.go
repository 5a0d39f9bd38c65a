package interfaces

import (
	"context"

	"github.com/ternarybob/shutter/internal/models"
)

// Capturer runs the single-shot screenshot pipeline.
type Capturer interface {
	Capture(ctx context.Context, req models.ScreenshotRequest) (models.ScreenshotResult, error)
}

// ResultCache maps request fingerprints to signed URLs.
type ResultCache interface {
	Get(url string, width, height int, format string) (string, bool)
	Set(url string, width, height int, format string, signedURL string)
	// Invalidate removes entries for the URL, or everything when url is empty.
	Invalidate(url string) int
	Stats() map[string]interface{}
}

// BatchService accepts and manages batch jobs.
type BatchService interface {
	Submit(ctx context.Context, items []models.ItemRequest, config models.JobConfig, userID string) (*models.JobStatus, error)
	JobStatus(jobID string) (*models.JobStatus, error)
	JobResults(jobID string) (*models.JobResults, error)
	Cancel(jobID string) error
	Schedule(jobID string, isoTime string) error
	SetRecurrence(jobID string, pattern models.RecurrencePattern, interval, count int, cron string) error
	Shutdown(ctx context.Context) error
}
