// Package storage covers artifact persistence and addressing: the local
// object store, the signed delivery URL builder, host rewriting for
// navigation, and retention sweeping of aged artifacts.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// LocalStore keeps screenshot artifacts on the local filesystem. The key is
// the file name relative to the store root.
type LocalStore struct {
	dir    string
	logger arbor.ILogger
}

// NewLocalStore creates the store and its directory.
func NewLocalStore(dir string, logger arbor.ILogger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.NewServiceError(common.ErrStorage, "failed to create screenshot directory", err)
	}
	return &LocalStore{dir: dir, logger: logger}, nil
}

// Dir returns the store root.
func (s *LocalStore) Dir() string { return s.dir }

// Upload moves a captured file into the store and returns its key. A move
// across filesystems falls back to copy-and-remove.
func (s *LocalStore) Upload(ctx context.Context, path string) (string, error) {
	key := filepath.Base(path)
	dest := filepath.Join(s.dir, key)

	if path == dest {
		return key, nil
	}

	if err := os.Rename(path, dest); err != nil {
		if err := copyFile(path, dest); err != nil {
			return "", common.NewServiceError(common.ErrUpload, "failed to store screenshot", err)
		}
		os.Remove(path)
	}

	s.logger.Debug().Str("key", key).Msg("Stored screenshot artifact")
	return key, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
