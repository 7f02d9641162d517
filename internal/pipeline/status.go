package pipeline

import (
	"time"

	"github.com/vzahanych/storeguard/internal/behavior"
)

// State is the lifecycle state of a stream worker
type State string

const (
	StateReady    State = "ready"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// Resolution is a frame size in pixels
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Status is a point-in-time copy of a worker's counters
type Status struct {
	CameraID        string             `json:"camera_id"`
	SessionID       string             `json:"session_id"`
	State           State              `json:"state"`
	FramesRead      uint64             `json:"frames_read"`
	FramesProcessed uint64             `json:"frames_processed"`
	FramesDropped   uint64             `json:"frames_dropped"`
	PersonsDetected uint64             `json:"persons_detected"`
	AlertsRaised    uint64             `json:"alerts_raised"`
	Reconnects      uint64             `json:"reconnects"`
	ActiveTracks    int                `json:"active_tracks"`
	SkipFactor      int                `json:"skip_factor"`
	Original        Resolution         `json:"original_resolution"`
	Working         Resolution         `json:"working_resolution"`
	HighResolution  bool               `json:"high_resolution"`
	LastError       string             `json:"last_error,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	Uptime          string             `json:"uptime,omitempty"`
	Analytics       behavior.Analytics `json:"analytics"`
}
