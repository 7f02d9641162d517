package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/service"
)

// ErrRetentionRunning is returned when Enforce is already in progress
var ErrRetentionRunning = errors.New("retention policy is already being enforced")

// PruneResult reports what a retention pass removed
type PruneResult struct {
	Expired      int   `json:"expired"`
	FreedForDisk int   `json:"freed_for_disk"`
	Bytes        int64 `json:"bytes"`
}

// RetentionPolicy deletes snapshots older than the retention period and,
// when the disk is full, the oldest remaining snapshots
type RetentionPolicy struct {
	dir           string
	retentionDays int
	disk          *DiskMonitor
	logger        *logger.Logger
	now           func() time.Time

	mu        sync.Mutex
	enforcing bool
}

// NewRetentionPolicy creates a retention policy for dir
func NewRetentionPolicy(dir string, retentionDays int, disk *DiskMonitor, log *logger.Logger) *RetentionPolicy {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RetentionPolicy{
		dir:           dir,
		retentionDays: retentionDays,
		disk:          disk,
		logger:        log,
		now:           time.Now,
	}
}

// RetentionDays returns the retention period in days
func (r *RetentionPolicy) RetentionDays() int {
	return r.retentionDays
}

type snapshotFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Enforce runs one retention pass
func (r *RetentionPolicy) Enforce(ctx context.Context) (PruneResult, error) {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return PruneResult{}, ErrRetentionRunning
	}
	r.enforcing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	var result PruneResult

	files, err := r.listFiles()
	if err != nil {
		return result, err
	}

	// Step 1: files older than the retention period
	cutoff := r.now().Add(-time.Duration(r.retentionDays) * 24 * time.Hour)
	remaining := files[:0]
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !f.modTime.Before(cutoff) {
			remaining = append(remaining, f)
			continue
		}
		if r.remove(f) {
			result.Expired++
			result.Bytes += f.size
		}
	}

	// Step 2: oldest files while the disk is over the limit
	if r.disk != nil {
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].modTime.Before(remaining[j].modTime)
		})
		for i, f := range remaining {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if i%10 == 0 {
				r.disk.Invalidate()
				full, err := r.disk.IsDiskFull(ctx)
				if err != nil {
					r.logger.Warn("Failed to check disk usage", "error", err)
					break
				}
				if !full {
					break
				}
			}
			if r.remove(f) {
				result.FreedForDisk++
				result.Bytes += f.size
			}
		}
	}

	r.removeEmptyDirs()

	if result.Expired > 0 || result.FreedForDisk > 0 {
		r.logger.Info("Pruned snapshots",
			"expired", result.Expired,
			"freed_for_disk", result.FreedForDisk,
			"bytes", result.Bytes,
		)
	}

	return result, nil
}

func (r *RetentionPolicy) listFiles() ([]snapshotFile, error) {
	var files []snapshotFile
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, snapshotFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return files, nil
}

func (r *RetentionPolicy) remove(f snapshotFile) bool {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("Failed to delete snapshot", "path", f.path, "error", err)
		return false
	}
	return true
}

// removeEmptyDirs deletes empty date directories, deepest first
func (r *RetentionPolicy) removeEmptyDirs() {
	var dirs []string
	_ = filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != r.dir {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		// fails on non-empty directories
		_ = os.Remove(dirs[i])
	}
}

// RetentionService enforces the retention policy periodically
type RetentionService struct {
	*service.ServiceBase

	store    *SnapshotStore
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionService creates a service pruning store every interval
func NewRetentionService(store *SnapshotStore, interval time.Duration, log *logger.Logger) *RetentionService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionService{
		ServiceBase: service.NewServiceBase("snapshot-retention", log),
		store:       store,
		interval:    interval,
	}
}

// Start runs one pass immediately and then one per interval
func (s *RetentionService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.enforce(loopCtx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.enforce(loopCtx)
			}
		}
	}(s.done)

	return nil
}

func (s *RetentionService) enforce(ctx context.Context) {
	if _, err := s.store.EnforceRetention(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.LogWarn("Snapshot retention failed", "error", err)
	}
}

// Stop stops the loop
func (s *RetentionService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
