package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vzahanych/storeguard/internal/camera"
	"github.com/vzahanych/storeguard/internal/pipeline"
	"github.com/vzahanych/storeguard/internal/storage"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Pinger is satisfied by state.Manager
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	start := time.Now()
	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	check.Details["latency_ms"] = time.Since(start).Milliseconds()
	return check
}

// InferenceChecker is satisfied by ai.Client
type InferenceChecker interface {
	HealthCheck(ctx context.Context) error
}

// AIServiceChecker checks the inference endpoints. An unreachable service
// only degrades the engine since frames keep flowing without detections.
type AIServiceChecker struct {
	client InferenceChecker
}

func NewAIServiceChecker(client InferenceChecker) *AIServiceChecker {
	return &AIServiceChecker{client: client}
}

func (c *AIServiceChecker) Name() string {
	return "ai_service"
}

func (c *AIServiceChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	if err := c.client.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("AI service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "AI service is reachable"
	return check
}

// StorageChecker checks that the snapshot directory is writable and not
// full
type StorageChecker struct {
	dir  string
	disk *storage.DiskMonitor
}

func NewStorageChecker(dir string, disk *storage.DiskMonitor) *StorageChecker {
	return &StorageChecker{dir: dir, disk: disk}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["snapshots_dir"] = c.dir

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to create snapshots directory: %v", err)
		return check
	}
	probe, err := os.CreateTemp(c.dir, ".health-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Snapshots directory not writable: %v", err)
		return check
	}
	probe.Close()
	os.Remove(filepath.Clean(probe.Name()))

	if c.disk != nil {
		usage, err := c.disk.GetUsage(ctx)
		if err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
			return check
		}
		check.Details["usage_percent"] = usage.UsagePercent
		check.Details["available_bytes"] = usage.AvailableBytes
		if usage.UsagePercent >= c.disk.MaxUsagePercent() {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Disk usage %.1f%% above %.1f%%", usage.UsagePercent, c.disk.MaxUsagePercent())
			return check
		}
	}

	check.Status = StatusHealthy
	check.Message = "Storage accessible"
	return check
}

// CameraStatuses is satisfied by camera.Supervisor
type CameraStatuses interface {
	GetAllStatus() []camera.CameraStatus
}

// CameraChecker reports running cameras whose worker gave up. Failed
// cameras degrade the engine; the others keep working.
type CameraChecker struct {
	cameras CameraStatuses
}

func NewCameraChecker(cameras CameraStatuses) *CameraChecker {
	return &CameraChecker{cameras: cameras}
}

func (c *CameraChecker) Name() string {
	return "cameras"
}

func (c *CameraChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	var total, running int
	var failed []string
	for _, st := range c.cameras.GetAllStatus() {
		total++
		if st.Running {
			running++
		}
		if st.Worker.State == pipeline.StateError {
			failed = append(failed, st.ID)
		}
	}
	check.Details["total"] = total
	check.Details["running"] = running

	if len(failed) > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d camera(s) in error state", len(failed))
		check.Details["failed"] = failed
		return check
	}

	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%d of %d cameras running", running, total)
	return check
}
