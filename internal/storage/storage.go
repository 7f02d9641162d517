// Package storage keeps alert snapshots on the local filesystem and prunes
// them by age and disk usage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/vzahanych/storeguard/internal/logger"
)

const (
	DefaultRetentionDays       = 30
	DefaultMaxDiskUsagePercent = 90.0
	DefaultBaseURL             = "/snapshots"
)

// ErrInvalidKey is returned for keys that are absolute or escape the
// snapshot directory
var ErrInvalidKey = errors.New("invalid snapshot key")

// Config configures a SnapshotStore
type Config struct {
	Dir                 string
	BaseURL             string
	RetentionDays       int
	MaxDiskUsagePercent float64
}

// SnapshotStore writes snapshot images under a directory and serves them
// under BaseURL
type SnapshotStore struct {
	dir     string
	baseURL string
	logger  *logger.Logger
	disk    *DiskMonitor
	policy  *RetentionPolicy
}

// NewSnapshotStore creates the snapshot directory if needed
func NewSnapshotStore(cfg Config, log *logger.Logger) (*SnapshotStore, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	disk := NewDiskMonitor(cfg.Dir, cfg.MaxDiskUsagePercent, log)
	s := &SnapshotStore{
		dir:     cfg.Dir,
		baseURL: baseURL,
		logger:  log,
		disk:    disk,
		policy:  NewRetentionPolicy(cfg.Dir, cfg.RetentionDays, disk, log),
	}

	log.Info("Snapshot store initialized",
		"dir", cfg.Dir,
		"base_url", baseURL,
		"retention_days", s.policy.RetentionDays(),
		"max_disk_usage_percent", disk.MaxUsagePercent(),
	)

	return s, nil
}

// Store writes data under the logical key and returns its URL. The file is
// written to a temporary name first so readers never see a partial image.
func (s *SnapshotStore) Store(ctx context.Context, data []byte, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full, err := s.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	return s.URL(key), nil
}

// Path resolves a logical key to a file path inside the store
func (s *SnapshotStore) Path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || strings.HasSuffix(key, "/") || clean == "/" || clean != "/"+key {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean[1:])), nil
}

// URL returns the public URL of a key
func (s *SnapshotStore) URL(key string) string {
	return s.baseURL + "/" + key
}

// Dir returns the snapshot directory
func (s *SnapshotStore) Dir() string {
	return s.dir
}

// BaseURL returns the URL prefix snapshots are served under
func (s *SnapshotStore) BaseURL() string {
	return s.baseURL
}

// Usage returns the disk usage of the snapshot filesystem
func (s *SnapshotStore) Usage(ctx context.Context) (*DiskUsage, error) {
	return s.disk.GetUsage(ctx)
}

// EnforceRetention prunes expired snapshots
func (s *SnapshotStore) EnforceRetention(ctx context.Context) (PruneResult, error) {
	return s.policy.Enforce(ctx)
}
