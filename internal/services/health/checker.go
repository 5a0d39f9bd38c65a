package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// Checker probes the service's own screenshot endpoint on a schedule to catch
// whole-pipeline failures that individual component stats miss. Probes bypass
// the result cache so each one exercises a real capture.
type Checker struct {
	cfg      common.HealthConfig
	endpoint string
	client   *http.Client
	logger   arbor.ILogger

	mu        sync.Mutex
	successes int
	failures  int
	lastErr   string
	lastRun   time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

// NewChecker builds a self-probe against the given base URL, typically
// http://127.0.0.1:<port>.
func NewChecker(cfg common.HealthConfig, baseURL string, logger arbor.ILogger) *Checker {
	return &Checker{
		cfg:      cfg,
		endpoint: baseURL + "/screenshot",
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the probe loop. The first probe waits out the startup delay
// so the pool has warmed before we measure it.
func (c *Checker) Start() {
	if !c.cfg.Enabled {
		close(c.doneCh)
		return
	}

	common.SafeGo(c.logger, "health-checker", func() {
		defer close(c.doneCh)

		select {
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.StartupDelay):
		}

		c.probe()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.probe()
			}
		}
	})
}

// probe issues one screenshot request and records the outcome.
func (c *Checker) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	probeURL := c.endpoint + "?" + url.Values{
		"url":   {c.cfg.TestURL},
		"cache": {"false"},
	}.Encode()

	start := c.now()
	err := c.request(ctx, probeURL)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.lastRun = c.now()
	if err != nil {
		c.failures++
		c.lastErr = err.Error()
	} else {
		c.successes++
		c.lastErr = ""
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Str("url", c.cfg.TestURL).Dur("elapsed", elapsed).Err(err).Msg("Health probe failed")
		return
	}
	c.logger.Debug().Dur("elapsed", elapsed).Msg("Health probe ok")
}

func (c *Checker) request(ctx context.Context, probeURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Stats returns rolling probe counts and the derived success rate.
func (c *Checker) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.successes + c.failures
	rate := 1.0
	if total > 0 {
		rate = float64(c.successes) / float64(total)
	}

	stats := map[string]interface{}{
		"enabled":      c.cfg.Enabled,
		"successes":    c.successes,
		"failures":     c.failures,
		"success_rate": rate,
		"last_error":   c.lastErr,
	}
	if !c.lastRun.IsZero() {
		stats["last_run"] = c.lastRun.UTC().Format(time.RFC3339)
	}
	return stats
}

// Stop halts the probe loop and waits for it to exit.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}
