package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubUsage reports a fixed usage and counts filesystem reads
type stubUsage struct {
	percent float64
	err     error
	reads   int
}

func (s *stubUsage) read(ctx context.Context, path string) (*disk.UsageStat, error) {
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	total := uint64(1000)
	used := uint64(s.percent * 10)
	return &disk.UsageStat{Path: path, Total: total, Used: used, Free: total - used, UsedPercent: s.percent}, nil
}

func stubbedMonitor(t *testing.T, limit float64, stub *stubUsage) *DiskMonitor {
	t.Helper()
	m := NewDiskMonitor(t.TempDir(), limit, nil)
	m.usage = stub.read
	return m
}

func TestNewDiskMonitor_Limit(t *testing.T) {
	for _, limit := range []float64{0, -5, 150} {
		assert.Equal(t, DefaultMaxDiskUsagePercent, NewDiskMonitor(t.TempDir(), limit, nil).MaxUsagePercent(), "limit %v", limit)
	}
	assert.Equal(t, 75.0, NewDiskMonitor(t.TempDir(), 75, nil).MaxUsagePercent())
}

func TestDiskMonitor_RealFilesystem(t *testing.T) {
	m := NewDiskMonitor(t.TempDir(), 100, nil)

	usage, err := m.GetUsage(context.Background())
	require.NoError(t, err)
	assert.Positive(t, usage.TotalBytes)
	assert.GreaterOrEqual(t, usage.AvailableBytes, int64(0))
	assert.GreaterOrEqual(t, usage.UsagePercent, 0.0)
}

func TestDiskMonitor_IsDiskFull(t *testing.T) {
	tests := []struct {
		percent float64
		full    bool
	}{
		{percent: 10, full: false},
		{percent: 89.9, full: false},
		{percent: 90, full: true},
		{percent: 99, full: true},
	}
	for _, tt := range tests {
		m := stubbedMonitor(t, 90, &stubUsage{percent: tt.percent})
		full, err := m.IsDiskFull(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.full, full, "usage %v%%", tt.percent)
	}
}

func TestDiskMonitor_CachesReadings(t *testing.T) {
	stub := &stubUsage{percent: 40}
	m := stubbedMonitor(t, 90, stub)
	ctx := context.Background()

	first, err := m.GetUsage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 400, first.UsedBytes)

	// the caller's copy is detached from the cache
	first.UsedBytes = -1
	stub.percent = 95

	second, err := m.GetUsage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 400, second.UsedBytes)
	assert.Equal(t, 1, stub.reads)

	m.Invalidate()
	full, err := m.IsDiskFull(ctx)
	require.NoError(t, err)
	assert.True(t, full)
	assert.Equal(t, 2, stub.reads)
}

func TestDiskMonitor_ReadError(t *testing.T) {
	stub := &stubUsage{err: errors.New("no such device")}
	m := stubbedMonitor(t, 90, stub)

	_, err := m.IsDiskFull(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")

	// failures are not cached
	_, _ = m.GetUsage(context.Background())
	assert.Equal(t, 2, stub.reads)
}
