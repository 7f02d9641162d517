package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vzahanych/storeguard/internal/logger"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	if mgr.GetServiceCount() != 0 {
		t.Errorf("Expected 0 services, got %d", mgr.GetServiceCount())
	}
	if mgr.GetEventBus() == nil {
		t.Error("Event bus should be initialized")
	}
}

func TestManager_Register(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	mgr.Register(&mockService{name: "state"})

	if mgr.GetServiceCount() != 1 {
		t.Errorf("Expected 1 service, got %d", mgr.GetServiceCount())
	}
	status := mgr.GetServiceStatus("state")
	if status == nil {
		t.Fatal("Service status should be created")
	}
	if status.GetStatus() != StatusStopped {
		t.Errorf("Expected status %s, got %s", StatusStopped, status.GetStatus())
	}
}

func TestManager_Register_WithEvents(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	svc := &mockServiceWithEvents{name: "supervisor"}
	mgr.Register(svc)

	if svc.eventBus == nil {
		t.Error("Event bus should be set for service with events")
	}
}

func TestManager_Start_InOrder(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	rec := &recorder{}

	mgr.Register(&mockService{name: "state", rec: rec})
	mgr.Register(&mockService{name: "aggregation", rec: rec})
	mgr.Register(&mockService{name: "supervisor", rec: rec})

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Shutdown(context.Background())

	want := []string{"start:state", "start:aggregation", "start:supervisor"}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Step %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if !mgr.GetServiceStatus("supervisor").IsRunning() {
		t.Error("Expected supervisor to be running")
	}
}

func TestManager_Start_ServiceError(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	mgr.Register(&mockService{name: "state"})
	mgr.Register(&mockService{name: "broken", startError: errors.New("database locked")})
	mgr.Register(&mockService{name: "never"})

	err := mgr.Start(context.Background())
	if err == nil {
		t.Fatal("Expected start error")
	}

	if mgr.GetServiceStatus("broken").GetStatus() != StatusError {
		t.Errorf("Expected broken service in error state, got %s", mgr.GetServiceStatus("broken").GetStatus())
	}
	if mgr.GetServiceStatus("never").GetStatus() != StatusStopped {
		t.Error("Services after the failing one must not be started")
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if mgr.GetServiceStatus("state").GetStatus() != StatusStopped {
		t.Error("Started services should be stopped on shutdown")
	}
}

func TestManager_Shutdown_ReverseOrder(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	rec := &recorder{}

	mgr.Register(&mockService{name: "first", rec: rec})
	mgr.Register(&mockService{name: "second", rec: rec})

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got := rec.get()
	if len(got) != 4 || got[2] != "stop:second" || got[3] != "stop:first" {
		t.Errorf("Unexpected lifecycle order: %v", got)
	}
}

func TestManager_Shutdown_Timeout(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(&mockService{name: "slow", stopDelay: 500 * time.Millisecond})

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := mgr.Shutdown(ctx); err == nil {
		t.Error("Expected shutdown timeout error")
	}
}

func TestManager_GetAllStatuses(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(&mockService{name: "a"})
	mgr.Register(&mockService{name: "b"})

	statuses := mgr.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("Expected 2 statuses, got %d", len(statuses))
	}
}

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type mockService struct {
	name       string
	rec        *recorder
	startError error
	stopDelay  time.Duration
}

func (m *mockService) Name() string {
	return m.name
}

func (m *mockService) Start(ctx context.Context) error {
	if m.startError != nil {
		return m.startError
	}
	m.rec.add("start:" + m.name)
	return nil
}

func (m *mockService) Stop(ctx context.Context) error {
	if m.stopDelay > 0 {
		time.Sleep(m.stopDelay)
	}
	m.rec.add("stop:" + m.name)
	return nil
}

type mockServiceWithEvents struct {
	name     string
	eventBus *EventBus
}

func (m *mockServiceWithEvents) Name() string                    { return m.name }
func (m *mockServiceWithEvents) Start(ctx context.Context) error { return nil }
func (m *mockServiceWithEvents) Stop(ctx context.Context) error  { return nil }
func (m *mockServiceWithEvents) SetEventBus(bus *EventBus)       { m.eventBus = bus }
