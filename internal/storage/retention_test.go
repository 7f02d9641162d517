package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vzahanych/storeguard/internal/logger"
)

func writeSnapshot(t *testing.T, dir, rel string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	mod := time.Now().Add(-age)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRetentionPolicy_DefaultValues(t *testing.T) {
	policy := NewRetentionPolicy(t.TempDir(), 0, nil, nil)
	if policy.RetentionDays() != DefaultRetentionDays {
		t.Errorf("Expected default retention days %d, got %d", DefaultRetentionDays, policy.RetentionDays())
	}
}

func TestRetentionPolicy_DeletesExpired(t *testing.T) {
	dir := t.TempDir()
	expired := writeSnapshot(t, dir, "2026/01/01/old.jpg", 10*24*time.Hour)
	fresh := writeSnapshot(t, dir, "2026/01/09/new.jpg", time.Hour)

	policy := NewRetentionPolicy(dir, 7, NewDiskMonitor(dir, 100, nil), logger.NewNopLogger())
	result, err := policy.Enforce(context.Background())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}

	if result.Expired != 1 || result.FreedForDisk != 0 {
		t.Errorf("Unexpected result %+v", result)
	}
	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Error("Expired snapshot should be deleted")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("Fresh snapshot should be kept")
	}
	// the emptied date directory is removed
	if _, err := os.Stat(filepath.Join(dir, "2026", "01", "01")); !os.IsNotExist(err) {
		t.Error("Empty date directory should be removed")
	}
}

func TestRetentionPolicy_DiskFullDeletesOldest(t *testing.T) {
	dir := t.TempDir()
	oldest := writeSnapshot(t, dir, "a.jpg", 3*time.Hour)
	writeSnapshot(t, dir, "b.jpg", 2*time.Hour)

	// a tiny limit keeps the disk "full" so every file is pruned
	disk := NewDiskMonitor(dir, 0.0001, nil)
	policy := NewRetentionPolicy(dir, 7, disk, nil)

	result, err := policy.Enforce(context.Background())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if result.FreedForDisk != 2 {
		t.Errorf("Expected both files freed, got %+v", result)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Error("Oldest snapshot should be deleted")
	}
}

func TestRetentionPolicy_MissingDir(t *testing.T) {
	policy := NewRetentionPolicy(filepath.Join(t.TempDir(), "missing"), 7, nil, nil)
	if _, err := policy.Enforce(context.Background()); err != nil {
		t.Errorf("Enforce should tolerate a missing directory: %v", err)
	}
}
