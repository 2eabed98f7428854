// Package local implements a local filesystem blob store for run archives.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where archives will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes archives to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a filesystem-backed blob store, creating BaseDir if needed and
// failing fast when it is not a writable directory.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject writes data to a file under the base directory and returns a
// file:// URI. Paths escaping the base directory are rejected.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", errors.New("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read archive content: %w", err)
	}
	if err := os.WriteFile(fullPath, buf, 0o600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + fullPath, nil
}
