package storage

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// Sweeper removes screenshot artifacts past the retention window.
type Sweeper struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	logger    arbor.ILogger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

// NewSweeper creates a retention sweeper for the store directory.
func NewSweeper(cfg common.StorageConfig, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		dir:       cfg.ScreenshotDir,
		retention: time.Duration(cfg.RetentionHours) * time.Hour,
		interval:  cfg.SweepInterval,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	common.SafeGo(s.logger, "artifact-sweeper", func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	})
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Sweep removes regular files older than the retention window. The content
// cache subdirectory manages its own lifecycle and is skipped.
func (s *Sweeper) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Artifact sweep failed to list directory")
		return 0
	}

	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Swept expired screenshot artifacts")
	}
	return removed
}
