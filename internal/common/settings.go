package common

import (
	"sync/atomic"
)

// Settings holds an atomically swappable configuration snapshot.
// Long waits (pool acquisition, cleanup loops) re-read the snapshot so that
// a dynamic raise of pool.max_size takes effect without a restart.
type Settings struct {
	current atomic.Pointer[Config]
}

// NewSettings creates a settings holder seeded with the given config.
func NewSettings(config *Config) *Settings {
	s := &Settings{}
	s.current.Store(config)
	return s
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func (s *Settings) Snapshot() *Config {
	return s.current.Load()
}

// Replace swaps in a new configuration snapshot.
func (s *Settings) Replace(config *Config) {
	s.current.Store(config)
}

// PoolMaxSize returns the current effective pool maximum.
func (s *Settings) PoolMaxSize() int {
	return s.current.Load().Pool.MaxSize
}
