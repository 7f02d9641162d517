package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceStatus_Transitions(t *testing.T) {
	refused := errors.New("rtsp: connection refused")

	tests := []struct {
		name        string
		steps       func(ss *ServiceStatus)
		wantStatus  Status
		wantErr     error
		wantRunning bool
	}{
		{
			name:       "new tracker is stopped",
			steps:      func(ss *ServiceStatus) {},
			wantStatus: StatusStopped,
		},
		{
			name: "starting then running",
			steps: func(ss *ServiceStatus) {
				ss.SetStatus(StatusStarting)
				ss.SetStatus(StatusRunning)
			},
			wantStatus:  StatusRunning,
			wantRunning: true,
		},
		{
			name:       "error keeps cause",
			steps:      func(ss *ServiceStatus) { ss.SetError(refused) },
			wantStatus: StatusError,
			wantErr:    refused,
		},
		{
			name: "restart attempt keeps last error visible",
			steps: func(ss *ServiceStatus) {
				ss.SetError(refused)
				ss.SetStatus(StatusStarting)
			},
			wantStatus: StatusStarting,
			wantErr:    refused,
		},
		{
			name: "running clears error",
			steps: func(ss *ServiceStatus) {
				ss.SetError(refused)
				ss.SetStatus(StatusRunning)
			},
			wantStatus:  StatusRunning,
			wantRunning: true,
		},
		{
			name: "stopping is not running",
			steps: func(ss *ServiceStatus) {
				ss.SetStatus(StatusRunning)
				ss.SetStatus(StatusStopping)
			},
			wantStatus: StatusStopping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ss := NewServiceStatus("camera-supervisor")
			tt.steps(ss)

			assert.Equal(t, "camera-supervisor", ss.Name)
			assert.Equal(t, tt.wantStatus, ss.GetStatus())
			assert.Equal(t, tt.wantErr, ss.GetError())
			assert.Equal(t, tt.wantRunning, ss.IsRunning())
		})
	}
}

func TestServiceStatus_Uptime(t *testing.T) {
	ss := NewServiceStatus("aggregation-flush")
	assert.Zero(t, ss.GetUptime())

	ss.SetStatus(StatusRunning)
	started := ss.StartedAt
	require.False(t, started.IsZero())

	time.Sleep(50 * time.Millisecond)
	assert.GreaterOrEqual(t, ss.GetUptime(), 50*time.Millisecond)

	// re-entering running restarts the clock
	time.Sleep(5 * time.Millisecond)
	ss.SetStatus(StatusRunning)
	assert.True(t, ss.StartedAt.After(started))

	ss.SetError(errors.New("flush failed"))
	assert.Zero(t, ss.GetUptime())
}

func TestServiceBase_TransitionAndFail(t *testing.T) {
	sb := NewServiceBase("alert-outbox", nil)
	assert.Equal(t, "alert-outbox", sb.Name())
	assert.NotNil(t, sb.Logger())

	sb.Transition(StatusStarting)
	assert.Equal(t, StatusStarting, sb.GetStatus().GetStatus())

	sb.Fail(errors.New("database is locked"))
	assert.Equal(t, StatusError, sb.GetStatus().GetStatus())
	assert.EqualError(t, sb.GetStatus().GetError(), "database is locked")

	sb.Transition(StatusRunning)
	assert.True(t, sb.GetStatus().IsRunning())
	assert.NoError(t, sb.GetStatus().GetError())
}

func TestServiceBase_PublishEvent(t *testing.T) {
	sb := NewServiceBase("camera-supervisor", nil)
	// no bus attached
	sb.PublishEvent(EventTypeCameraStarted, map[string]interface{}{"camera_id": "A"})

	bus := NewEventBus(4)
	defer bus.Close()
	sb.SetEventBus(bus)
	assert.Same(t, bus, sb.GetEventBus())

	ch := bus.Subscribe(EventTypeCameraStarted)
	sb.PublishEvent(EventTypeCameraStarted, map[string]interface{}{"camera_id": "A"})

	select {
	case ev := <-ch:
		assert.Equal(t, "camera-supervisor", ev.Source)
		assert.Equal(t, "A", ev.Data["camera_id"])
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestServiceStatus_ConcurrentCameras(t *testing.T) {
	ss := NewServiceStatus("camera-A")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%5 == 0 {
					ss.SetError(errors.New("decode"))
				} else {
					ss.SetStatus(StatusRunning)
				}
				_ = ss.GetUptime()
				_ = ss.IsRunning()
				_ = ss.GetError()
			}
		}(i)
	}
	wg.Wait()

	final := ss.GetStatus()
	assert.Contains(t, []Status{StatusRunning, StatusError}, final)
}

func TestServiceStatus_Snapshot(t *testing.T) {
	ss := NewServiceStatus("camera-B")
	ss.SetStatus(StatusRunning)
	ss.SetError(errors.New("stream ended"))
	ss.SetStatus(StatusStarting)

	snap := ss.Snapshot()
	assert.Equal(t, "camera-B", snap.Name)
	assert.Equal(t, StatusStarting, snap.Status)
	assert.Equal(t, "stream ended", snap.Error)
	assert.Equal(t, 1, snap.Starts)
	assert.Zero(t, snap.Uptime)

	ss.SetStatus(StatusRunning)
	snap = ss.Snapshot()
	assert.Equal(t, 2, snap.Starts)
	assert.Empty(t, snap.Error)
	assert.Equal(t, ss.StartedAt, snap.Since)
}
