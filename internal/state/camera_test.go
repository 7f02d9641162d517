package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManager_UpsertCamera(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	camera := Camera{
		ID:        "cam-1",
		Name:      "Entrance",
		SourceURL: "rtsp://test:554/stream",
		Zone:      "front",
	}
	if err := mgr.UpsertCamera(ctx, camera); err != nil {
		t.Fatalf("UpsertCamera failed: %v", err)
	}

	retrieved, err := mgr.GetCamera(ctx, "cam-1")
	if err != nil {
		t.Fatalf("GetCamera failed: %v", err)
	}
	if retrieved.Name != "Entrance" {
		t.Errorf("Expected Name 'Entrance', got '%s'", retrieved.Name)
	}
	if retrieved.SourceURL != "rtsp://test:554/stream" {
		t.Errorf("Expected SourceURL 'rtsp://test:554/stream', got '%s'", retrieved.SourceURL)
	}
	if retrieved.Zone != "front" {
		t.Errorf("Expected Zone 'front', got '%s'", retrieved.Zone)
	}
	if retrieved.Active {
		t.Error("Expected camera to be inactive")
	}
	if retrieved.LastActive != nil {
		t.Error("Expected LastActive to be unset")
	}
}

func TestManager_UpsertCamera_Update(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	seen := time.Now().Add(-time.Minute)
	if err := mgr.UpsertCamera(ctx, Camera{ID: "cam-1", Name: "Original", SourceURL: "rtsp://original", LastActive: &seen}); err != nil {
		t.Fatalf("UpsertCamera failed: %v", err)
	}
	// an update without LastActive keeps the stored value
	if err := mgr.UpsertCamera(ctx, Camera{ID: "cam-1", Name: "Updated", SourceURL: "rtsp://updated", Active: true}); err != nil {
		t.Fatalf("UpsertCamera update failed: %v", err)
	}

	retrieved, err := mgr.GetCamera(ctx, "cam-1")
	if err != nil {
		t.Fatalf("GetCamera failed: %v", err)
	}
	if retrieved.Name != "Updated" || retrieved.SourceURL != "rtsp://updated" {
		t.Errorf("Camera not updated: %+v", retrieved)
	}
	if !retrieved.Active {
		t.Error("Expected Active=true")
	}
	if retrieved.LastActive == nil || !retrieved.LastActive.Equal(seen.UTC()) {
		t.Errorf("Expected LastActive %v, got %v", seen, retrieved.LastActive)
	}
}

func TestManager_GetCamera_NotFound(t *testing.T) {
	mgr := NewTestManager(t)

	_, err := mgr.GetCamera(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_ListActiveCameras(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"cam-b", "cam-a", "cam-c"} {
		if err := mgr.UpsertCamera(ctx, Camera{ID: id, SourceURL: "rtsp://" + id}); err != nil {
			t.Fatalf("UpsertCamera failed: %v", err)
		}
	}
	if err := mgr.SetCameraActive(ctx, "cam-b", true); err != nil {
		t.Fatalf("SetCameraActive failed: %v", err)
	}
	if err := mgr.SetCameraActive(ctx, "cam-a", true); err != nil {
		t.Fatalf("SetCameraActive failed: %v", err)
	}
	if err := mgr.SetCameraActive(ctx, "cam-a", false); err != nil {
		t.Fatalf("SetCameraActive failed: %v", err)
	}

	all, err := mgr.ListCameras(ctx)
	if err != nil {
		t.Fatalf("ListCameras failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "cam-a" {
		t.Errorf("Expected 3 cameras ordered by id, got %+v", all)
	}

	active, err := mgr.ListActiveCameras(ctx)
	if err != nil {
		t.Fatalf("ListActiveCameras failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "cam-b" {
		t.Fatalf("Expected only cam-b active, got %+v", active)
	}
	if active[0].LastActive == nil {
		t.Error("Activating should stamp LastActive")
	}
	// name defaults to id
	if active[0].Name != "cam-b" {
		t.Errorf("Expected default name 'cam-b', got %q", active[0].Name)
	}
}

func TestManager_SetCameraActive_NotFound(t *testing.T) {
	mgr := NewTestManager(t)

	err := mgr.SetCameraActive(context.Background(), "missing", true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_TouchCamera(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	if err := mgr.UpsertCamera(ctx, Camera{ID: "cam-1", SourceURL: "rtsp://x"}); err != nil {
		t.Fatalf("UpsertCamera failed: %v", err)
	}
	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	if err := mgr.TouchCamera(ctx, "cam-1", at); err != nil {
		t.Fatalf("TouchCamera failed: %v", err)
	}

	cam, err := mgr.GetCamera(ctx, "cam-1")
	if err != nil {
		t.Fatalf("GetCamera failed: %v", err)
	}
	if cam.LastActive == nil || !cam.LastActive.Equal(at) {
		t.Errorf("Expected LastActive %v, got %v", at, cam.LastActive)
	}
}

func TestManager_DeleteCamera(t *testing.T) {
	mgr := NewTestManager(t)
	ctx := context.Background()

	if err := mgr.UpsertCamera(ctx, Camera{ID: "cam-1", SourceURL: "rtsp://x"}); err != nil {
		t.Fatalf("UpsertCamera failed: %v", err)
	}
	if err := mgr.DeleteCamera(ctx, "cam-1"); err != nil {
		t.Fatalf("DeleteCamera failed: %v", err)
	}
	if err := mgr.DeleteCamera(ctx, "cam-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}
