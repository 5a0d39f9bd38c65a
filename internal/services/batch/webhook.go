package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/models"
)

// webhookRequestTimeout bounds one HTTP attempt; the configured overall
// timeout bounds the whole delivery including connection setup.
const webhookRequestTimeout = 10 * time.Second

// WebhookDispatcher posts job results to caller-supplied URLs. Delivery is
// best-effort: failures are logged, never retried.
type WebhookDispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  arbor.ILogger
	wg      sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher with the overall delivery timeout.
func NewWebhookDispatcher(timeout time.Duration, logger arbor.ILogger) *WebhookDispatcher {
	return &WebhookDispatcher{
		client:  &http.Client{Timeout: webhookRequestTimeout},
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch sends the payload asynchronously.
func (d *WebhookDispatcher) Dispatch(url, auth string, payload *models.JobResults) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(url, auth, payload)
	}()
}

func (d *WebhookDispatcher) send(url, auth string, payload *models.JobResults) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error().Str("job_id", payload.JobID).Err(err).Msg("Webhook payload marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error().Str("job_id", payload.JobID).Err(err).Msg("Webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn().Str("job_id", payload.JobID).Str("url", url).Err(err).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		d.logger.Info().Str("job_id", payload.JobID).Int("status", resp.StatusCode).Msg("Webhook delivered")
	case resp.StatusCode < 500:
		d.logger.Warn().Str("job_id", payload.JobID).Int("status", resp.StatusCode).Msg("Webhook rejected by receiver")
	default:
		d.logger.Error().Str("job_id", payload.JobID).Int("status", resp.StatusCode).Msg("Webhook receiver error")
	}
}

// Shutdown waits for in-flight deliveries and closes idle connections.
func (d *WebhookDispatcher) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("Shutdown abandoned in-flight webhook deliveries")
	}
	d.client.CloseIdleConnections()
}
