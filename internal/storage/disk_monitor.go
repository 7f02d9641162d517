package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/vzahanych/storeguard/internal/logger"
)

// DiskMonitor reports filesystem usage of the snapshot directory. Readings
// are cached for ttl so the snapshot writer can ask before every save.
type DiskMonitor struct {
	path     string
	maxUsage float64
	ttl      time.Duration
	logger   *logger.Logger
	usage    func(ctx context.Context, path string) (*disk.UsageStat, error)

	mu     sync.RWMutex
	readAt time.Time
	cached *DiskUsage
}

// DiskUsage contains disk usage information
type DiskUsage struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// NewDiskMonitor creates a disk monitor. Readings are cached for 30s.
func NewDiskMonitor(path string, maxUsagePercent float64, log *logger.Logger) *DiskMonitor {
	if maxUsagePercent <= 0 || maxUsagePercent > 100 {
		maxUsagePercent = DefaultMaxDiskUsagePercent
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DiskMonitor{
		path:     path,
		maxUsage: maxUsagePercent,
		ttl:      30 * time.Second,
		logger:   log,
		usage:    disk.UsageWithContext,
	}
}

// GetUsage returns the current disk usage
func (d *DiskMonitor) GetUsage(ctx context.Context) (*DiskUsage, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.readAt) < d.ttl {
		usage := *d.cached
		d.mu.RUnlock()
		return &usage, nil
	}
	d.mu.RUnlock()

	usage, err := d.read(ctx)
	if err != nil {
		return nil, err
	}
	if usage.UsagePercent >= d.maxUsage {
		d.logger.Warn("Snapshot disk above usage limit",
			"path", d.path,
			"usage_percent", usage.UsagePercent,
			"limit_percent", d.maxUsage,
		)
	}

	cached := *usage
	d.mu.Lock()
	d.cached = &cached
	d.readAt = time.Now()
	d.mu.Unlock()

	return usage, nil
}

// Invalidate drops the cached reading so the next GetUsage hits the
// filesystem
func (d *DiskMonitor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// IsDiskFull reports whether usage is at or above the configured maximum
func (d *DiskMonitor) IsDiskFull(ctx context.Context) (bool, error) {
	usage, err := d.GetUsage(ctx)
	if err != nil {
		return false, err
	}
	return usage.UsagePercent >= d.maxUsage, nil
}

// MaxUsagePercent returns the configured maximum
func (d *DiskMonitor) MaxUsagePercent() float64 {
	return d.maxUsage
}

func (d *DiskMonitor) read(ctx context.Context) (*DiskUsage, error) {
	absPath, err := filepath.Abs(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	stat, err := d.usage(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	return &DiskUsage{
		TotalBytes:     int64(stat.Total),
		UsedBytes:      int64(stat.Used),
		AvailableBytes: int64(stat.Free),
		UsagePercent:   stat.UsedPercent,
	}, nil
}
