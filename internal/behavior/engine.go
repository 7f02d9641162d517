// Package behavior turns tracked people into suspicious-posture and
// loitering alerts.
package behavior

import (
	"fmt"
	"math"
	"time"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/tracker"
)

// AlertType names the rule that raised an alert
type AlertType string

const (
	AlertSuspiciousPosture AlertType = "suspicious_posture"
	AlertLoitering         AlertType = "loitering"
	AlertKnownIdentity     AlertType = "known_identity"
)

const (
	DefaultAlertCooldown     = 10 * time.Second
	DefaultLoiteringDuration = 300 * time.Second
	DefaultLoiteringDistance = 100.0
	DefaultStaleAfter        = 60 * time.Second

	loiteringSeverity = 2
)

// Config holds the rule parameters
type Config struct {
	AlertCooldown     time.Duration
	LoiteringDuration time.Duration
	LoiteringDistance float64
	StaleAfter        time.Duration
}

// Observation is one tracked person in the current cycle. Pose is nil when
// posture classification was skipped or failed.
type Observation struct {
	Track     tracker.Track
	Detection ai.Detection
	Pose      *ai.PoseResult
}

// Alert is raised by a rule; it is immutable once returned
type Alert struct {
	Type        AlertType
	Severity    int
	TrackID     uint64
	Box         ai.BoundingBox
	Confidence  float64
	Description string
	IsStaff     bool
	Timestamp   time.Time
}

// Analytics summarizes one analysis cycle
type Analytics struct {
	PersonCount     int `json:"person_count"`
	StaffCount      int `json:"staff_count"`
	CustomerCount   int `json:"customer_count"`
	SuspiciousCount int `json:"suspicious_count"`
	LoiteringCount  int `json:"loitering_count"`
}

type trackState struct {
	suspicious    int
	lastAlert     time.Time
	baselineX     float64
	baselineY     float64
	baselineAt    time.Time
	loiteringSent bool
	lastSeen      time.Time
}

// Engine evaluates the rules for one camera. It is owned by the camera's
// worker and is not safe for concurrent use.
type Engine struct {
	cfg    Config
	states map[uint64]*trackState
}

// NewEngine creates an engine
func NewEngine(cfg Config) *Engine {
	if cfg.AlertCooldown < 0 {
		cfg.AlertCooldown = DefaultAlertCooldown
	}
	if cfg.LoiteringDuration <= 0 {
		cfg.LoiteringDuration = DefaultLoiteringDuration
	}
	if cfg.LoiteringDistance <= 0 {
		cfg.LoiteringDistance = DefaultLoiteringDistance
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Engine{
		cfg:    cfg,
		states: make(map[uint64]*trackState),
	}
}

// Analyze runs the posture and loitering rules over the observations of one
// cycle, then drops state for tracks not seen within StaleAfter.
func (e *Engine) Analyze(observations []Observation, at time.Time) ([]Alert, Analytics) {
	var alerts []Alert
	stats := Analytics{PersonCount: len(observations)}

	for _, obs := range observations {
		st := e.state(obs.Track, at)

		if alert, ok := e.checkPosture(st, obs, at); ok {
			alerts = append(alerts, alert)
		}
		if alert, ok := e.checkLoitering(st, obs, at); ok {
			alerts = append(alerts, alert)
		}
		st.lastSeen = at

		if obs.Detection.IsStaff {
			stats.StaffCount++
		} else {
			stats.CustomerCount++
		}
		if st.suspicious > 0 {
			stats.SuspiciousCount++
		}
	}

	e.cleanup(at)

	for _, st := range e.states {
		if st.loiteringSent {
			stats.LoiteringCount++
		}
	}

	return alerts, stats
}

func (e *Engine) state(tr tracker.Track, at time.Time) *trackState {
	if st, ok := e.states[tr.ID]; ok {
		return st
	}
	cx, cy := tr.Box.Center()
	st := &trackState{baselineX: cx, baselineY: cy, baselineAt: at, lastSeen: at}
	e.states[tr.ID] = st
	return st
}

// PostureThreshold returns how many suspicious occurrences of a severity
// are needed before alerting.
func PostureThreshold(severity int) int {
	switch {
	case severity >= 3:
		return 1
	case severity == 2:
		return 3
	default:
		return 5
	}
}

func (e *Engine) checkPosture(st *trackState, obs Observation, at time.Time) (Alert, bool) {
	if obs.Pose == nil || !obs.Pose.Suspicious {
		return Alert{}, false
	}

	severity := obs.Pose.Severity
	if severity < 1 {
		severity = 1
	} else if severity > 3 {
		severity = 3
	}

	st.suspicious++
	if st.suspicious < PostureThreshold(severity) {
		return Alert{}, false
	}
	if !st.lastAlert.IsZero() && at.Sub(st.lastAlert) < e.cfg.AlertCooldown {
		return Alert{}, false
	}

	st.suspicious = 0
	st.lastAlert = at
	return Alert{
		Type:        AlertSuspiciousPosture,
		Severity:    severity,
		TrackID:     obs.Track.ID,
		Box:         obs.Track.Box,
		Confidence:  obs.Detection.Confidence,
		Description: fmt.Sprintf("Suspicious posture detected: %s", obs.Pose.Details),
		IsStaff:     obs.Detection.IsStaff,
		Timestamp:   at,
	}, true
}

func (e *Engine) checkLoitering(st *trackState, obs Observation, at time.Time) (Alert, bool) {
	cx, cy := obs.Track.Box.Center()
	moved := math.Hypot(cx-st.baselineX, cy-st.baselineY)

	if moved >= e.cfg.LoiteringDistance {
		st.baselineX, st.baselineY, st.baselineAt = cx, cy, at
		return Alert{}, false
	}
	if st.loiteringSent || at.Sub(st.baselineAt) <= e.cfg.LoiteringDuration {
		return Alert{}, false
	}

	st.loiteringSent = true
	return Alert{
		Type:        AlertLoitering,
		Severity:    loiteringSeverity,
		TrackID:     obs.Track.ID,
		Box:         obs.Track.Box,
		Confidence:  obs.Detection.Confidence,
		Description: fmt.Sprintf("Person loitering for over %s", formatMinutes(e.cfg.LoiteringDuration)),
		IsStaff:     obs.Detection.IsStaff,
		Timestamp:   at,
	}, true
}

func (e *Engine) cleanup(at time.Time) {
	for id, st := range e.states {
		if at.Sub(st.lastSeen) > e.cfg.StaleAfter {
			delete(e.states, id)
		}
	}
}

// Tracked returns the number of tracks with live behavior state
func (e *Engine) Tracked() int {
	return len(e.states)
}

func formatMinutes(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
