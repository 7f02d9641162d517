package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/storeguard/internal/aggregation"
	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/behavior"
	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/identity"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/tracker"
	"github.com/vzahanych/storeguard/internal/video"
)

// ErrAlreadyRunning is returned when Run is called on a worker that has
// already been started. Workers are single use.
var ErrAlreadyRunning = errors.New("worker already started")

const (
	knownIdentitySeverity   = 3
	DefaultIdentityCooldown = 60 * time.Second
	DefaultReadTimeout      = 15 * time.Second
)

// AlertEvent is an alert raised by a worker together with the frame it was
// raised on. Frame is the working-resolution frame and must not be modified.
type AlertEvent struct {
	CameraID     string
	SessionID    string
	Alert        behavior.Alert
	IdentityID   *int64
	IdentityName string
	Frame        *video.Frame
}

// AlertHandler receives the alerts raised by workers
type AlertHandler interface {
	HandleAlert(ctx context.Context, event AlertEvent) error
}

// Observer receives every tracked person for footfall aggregation
type Observer interface {
	Observe(cameraID string, track aggregation.TrackKey, demo *ai.Demographics, at time.Time)
}

// Config holds the per-worker settings
type Config struct {
	CameraID string

	BufferSize     int
	WorkingWidth   int
	WorkingHeight  int
	BaselineWidth  int
	BaselineHeight int
	SkipDivisor    float64
	MinSkip        int
	MaxSkip        int
	HighResWidth   int
	HighResHeight  int

	// FaceEvery is the number of processed frames between two face
	// embeddings of the same track
	FaceEvery        int
	JPEGQuality      int
	IdentityCooldown time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// ReadTimeout is the longest a single source read may block before the
	// stream counts as stalled and is reopened
	ReadTimeout time.Duration

	Tracker  tracker.Config
	Behavior behavior.Config
}

// ConfigFromSettings builds a worker config from the application settings
func ConfigFromSettings(cameraID string, cfg *config.Config) Config {
	p := cfg.Pipeline
	return Config{
		CameraID:          cameraID,
		BufferSize:        p.BufferSize,
		WorkingWidth:      p.WorkingWidth,
		WorkingHeight:     p.WorkingHeight,
		BaselineWidth:     p.BaselineWidth,
		BaselineHeight:    p.BaselineHeight,
		SkipDivisor:       p.SkipDivisor,
		MinSkip:           p.MinSkip,
		MaxSkip:           p.MaxSkip,
		HighResWidth:      p.HighResWidth,
		HighResHeight:     p.HighResHeight,
		FaceEvery:         p.FaceEvery,
		JPEGQuality:       p.JPEGQuality,
		IdentityCooldown:  cfg.Identity.AlertCooldown,
		BackoffInitial:    p.Backoff.Initial,
		BackoffMax:        p.Backoff.Max,
		BackoffMultiplier: p.Backoff.Multiplier,
		ReadTimeout:       p.ReadTimeout,
		Tracker: tracker.Config{
			IoUThreshold: cfg.Tracker.IoUThreshold,
			MaxAge:       cfg.Tracker.MaxAge,
		},
		Behavior: behavior.Config{
			AlertCooldown:     cfg.Behavior.AlertCooldown,
			LoiteringDuration: cfg.Behavior.LoiteringDuration,
			LoiteringDistance: cfg.Behavior.LoiteringDistance,
			StaleAfter:        cfg.Behavior.StaleAfter,
		},
	}
}

func (c *Config) setDefaults() {
	if c.WorkingWidth <= 0 || c.WorkingHeight <= 0 {
		c.WorkingWidth, c.WorkingHeight = 640, 360
	}
	if c.BaselineWidth <= 0 || c.BaselineHeight <= 0 {
		c.BaselineWidth, c.BaselineHeight = 640, 360
	}
	if c.SkipDivisor <= 0 {
		c.SkipDivisor = 4
	}
	if c.MinSkip <= 0 {
		c.MinSkip = 5
	}
	if c.MaxSkip < c.MinSkip {
		c.MaxSkip = c.MinSkip
	}
	if c.HighResWidth <= 0 || c.HighResHeight <= 0 {
		c.HighResWidth, c.HighResHeight = 1920, 1080
	}
	if c.FaceEvery <= 0 {
		c.FaceEvery = 10
	}
	if c.IdentityCooldown <= 0 {
		c.IdentityCooldown = DefaultIdentityCooldown
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1.5
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
}

// SkipFactor returns how many frames are read per processed frame for a
// source of width x height: area / baseline area / divisor, clamped to
// [MinSkip, MaxSkip].
func (c Config) SkipFactor(width, height int) int {
	base := float64(c.BaselineWidth * c.BaselineHeight)
	skip := c.MinSkip
	if base > 0 && c.SkipDivisor > 0 {
		skip = int(float64(width*height) / base / c.SkipDivisor)
	}
	if skip < c.MinSkip {
		skip = c.MinSkip
	}
	if skip > c.MaxSkip {
		skip = c.MaxSkip
	}
	return skip
}

// Deps are the collaborators of a worker. Only Detector is required; a nil
// stage is skipped.
type Deps struct {
	Detector ai.Detector
	Pose     ai.PoseClassifier
	Embedder ai.FaceEmbedder
	Matcher  ai.IdentityMatcher
	Observer Observer
	Alerts   AlertHandler
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

// Worker runs the analysis pipeline of one camera: a reader goroutine feeds
// a drop-oldest buffer, and Run processes every admitted frame through
// detection, tracking, behavior rules, identity matching and aggregation.
type Worker struct {
	cfg     Config
	deps    Deps
	source  video.Source
	logger  *logger.Logger
	session string

	tracker *tracker.Tracker
	engine  *behavior.Engine

	// owned by the processing loop
	processed    uint64
	embeddedAt   map[uint64]uint64
	identityLast map[int64]time.Time

	framesRead      atomic.Uint64
	framesProcessed atomic.Uint64
	framesDropped   atomic.Uint64
	persons         atomic.Uint64
	alertsRaised    atomic.Uint64
	reconnects      atomic.Uint64
	skip            atomic.Int64
	started         atomic.Bool

	mu         sync.RWMutex
	state      State
	lastErr    string
	startedAt  time.Time
	stoppedAt  time.Time
	original   Resolution
	working    Resolution
	highRes    bool
	analytics  behavior.Analytics
	tracks     int
	latest     *video.Frame
	latestJPEG []byte
	latestSeq  uint64
}

// NewWorker creates a worker reading from source
func NewWorker(cfg Config, source video.Source, deps Deps) (*Worker, error) {
	if cfg.CameraID == "" {
		return nil, errors.New("camera id is required")
	}
	if source == nil {
		return nil, errors.New("source is required")
	}
	if deps.Detector == nil {
		return nil, errors.New("detector is required")
	}
	cfg.setDefaults()

	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	session := uuid.NewString()

	w := &Worker{
		cfg:          cfg,
		deps:         deps,
		source:       source,
		session:      session,
		logger:       log.ForCamera(cfg.CameraID).With("session_id", session),
		tracker:      tracker.New(cfg.Tracker),
		engine:       behavior.NewEngine(cfg.Behavior),
		embeddedAt:   make(map[uint64]uint64),
		identityLast: make(map[int64]time.Time),
		state:        StateReady,
	}
	w.skip.Store(int64(cfg.MinSkip))
	return w, nil
}

// CameraID returns the camera this worker belongs to
func (w *Worker) CameraID() string {
	return w.cfg.CameraID
}

// SessionID returns the random id of this worker run. Track ids are unique
// within a session.
func (w *Worker) SessionID() string {
	return w.session
}

// Run processes the stream until ctx is canceled, a finite source ends or a
// fatal source error occurs. Only the fatal case returns an error.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	w.mu.Lock()
	w.state = StateStarting
	w.startedAt = time.Now()
	w.mu.Unlock()
	w.deps.Metrics.WorkerState(w.cfg.CameraID, string(StateStarting))
	w.logger.Info("Stream worker starting", "source", w.source.Locator())

	buf := video.NewFrameBuffer(w.cfg.BufferSize)
	readDone := make(chan error, 1)
	go func() {
		readDone <- w.read(ctx, buf)
	}()

	for frame := range buf.Frames() {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, frame)
	}
	err := <-readDone

	switch {
	case err == nil:
		w.finish(StateStopped, nil)
		w.logger.Info("Stream worker stopped", "frames_processed", w.framesProcessed.Load())
		return nil
	case errors.Is(err, video.ErrEndOfStream):
		w.finish(StateStopped, nil)
		w.logger.Info("Stream ended", "frames_read", w.framesRead.Load(), "frames_processed", w.framesProcessed.Load())
		return nil
	default:
		w.finish(StateError, err)
		w.logger.Error("Stream worker failed", "error", err)
		return err
	}
}

func (w *Worker) finish(state State, err error) {
	w.mu.Lock()
	w.state = state
	w.stoppedAt = time.Now()
	if err != nil {
		w.lastErr = err.Error()
	}
	w.mu.Unlock()
	w.deps.Metrics.WorkerState(w.cfg.CameraID, string(state))
	w.deps.Metrics.ActiveTracks(w.cfg.CameraID, 0)
}

// read owns the source. It reconnects on transient faults with backoff and
// admits every skip-th frame into buf, which it closes on exit.
func (w *Worker) read(ctx context.Context, buf *video.FrameBuffer) error {
	defer buf.Close()

	src := w.source
	// unblocks a Read stuck on a stalled stream
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()
	defer src.Close()

	backoff := video.NewBackoff(w.cfg.BackoffInitial, w.cfg.BackoffMax, w.cfg.BackoffMultiplier)
	open, streaming := false, false
	var n uint64

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !open {
			if err := src.Open(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !video.IsTransient(err) {
					return fmt.Errorf("failed to open source: %w", err)
				}
				w.recordFault("open", err)
				if !sleep(ctx, backoff.Next()) {
					return nil
				}
				continue
			}
			open = true
		}

		frame, err := w.readFrame(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, video.ErrEndOfStream) {
				return err
			}
			w.recordFault("read", err)
			_ = src.Close()
			open, streaming = false, false
			if !sleep(ctx, backoff.Next()) {
				return nil
			}
			continue
		}
		backoff.Reset()
		if !streaming {
			streaming = true
			w.setRunning()
		}

		n++
		w.framesRead.Add(1)
		w.deps.Metrics.FrameRead(w.cfg.CameraID)
		w.observeResolution(frame)

		if (n-1)%uint64(w.skip.Load()) != 0 {
			continue
		}
		if buf.Push(frame) {
			w.framesDropped.Add(1)
			w.deps.Metrics.FrameDropped(w.cfg.CameraID)
		}
	}
}

// readFrame reads one frame, closing src when no frame arrives within
// ReadTimeout. A stalled read is reported as a transient fault.
func (w *Worker) readFrame(ctx context.Context, src video.Source) (*video.Frame, error) {
	var stalled atomic.Bool
	timer := time.AfterFunc(w.cfg.ReadTimeout, func() {
		stalled.Store(true)
		_ = src.Close()
	})
	frame, err := src.Read(ctx)
	timer.Stop()

	if stalled.Load() {
		return nil, video.Transient("read", fmt.Errorf("no frame within %s", w.cfg.ReadTimeout))
	}
	return frame, err
}

func (w *Worker) setRunning() {
	w.mu.Lock()
	changed := w.state != StateRunning
	w.state = StateRunning
	w.mu.Unlock()
	if changed {
		w.deps.Metrics.WorkerState(w.cfg.CameraID, string(StateRunning))
		w.logger.Info("Stream receiving frames", "source", w.source.Locator())
	}
}

// recordFault marks the worker as failing until the next frame arrives
func (w *Worker) recordFault(op string, err error) {
	w.reconnects.Add(1)
	w.deps.Metrics.Reconnect(w.cfg.CameraID)
	w.mu.Lock()
	changed := w.state != StateError
	w.state = StateError
	w.lastErr = err.Error()
	w.mu.Unlock()
	if changed {
		w.deps.Metrics.WorkerState(w.cfg.CameraID, string(StateError))
	}
	w.logger.Warn("Stream fault, reconnecting", "op", op, "error", err, "reconnects", w.reconnects.Load())
}

// observeResolution recomputes the skip factor whenever the stream size
// changes, which is on the first frame and after reconnects to a different
// stream profile.
func (w *Worker) observeResolution(frame *video.Frame) {
	w.mu.RLock()
	same := w.original.Width == frame.Width && w.original.Height == frame.Height
	w.mu.RUnlock()
	if same {
		return
	}

	skip := w.cfg.SkipFactor(frame.Width, frame.Height)
	highRes := video.IsHighResolution(frame.Width, frame.Height, w.cfg.HighResWidth, w.cfg.HighResHeight)
	w.skip.Store(int64(skip))

	w.mu.Lock()
	w.original = Resolution{Width: frame.Width, Height: frame.Height}
	w.highRes = highRes
	w.mu.Unlock()

	w.logger.Info("Stream resolution detected",
		"width", frame.Width,
		"height", frame.Height,
		"skip_factor", skip,
		"high_resolution", highRes,
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) process(ctx context.Context, frame *video.Frame) {
	start := time.Now()
	cam := w.cfg.CameraID
	w.processed++

	working := frame.Downsample(w.cfg.WorkingWidth, w.cfg.WorkingHeight)

	detections, err := w.deps.Detector.Detect(ctx, working)
	if err != nil {
		w.stageFault(ctx, "detect", err)
		detections = nil
	}
	w.persons.Add(uint64(len(detections)))
	w.deps.Metrics.PersonsDetected(cam, len(detections))

	tracked := w.tracker.Update(detections, working.Timestamp)

	observations := make([]behavior.Observation, 0, len(tracked))
	for _, t := range tracked {
		observations = append(observations, behavior.Observation{
			Track:     t.Track,
			Detection: t.Detection,
			Pose:      w.classify(ctx, working, t.Detection.Box),
		})
		if w.deps.Observer != nil {
			key := aggregation.TrackKey{Session: w.session, ID: t.Track.ID}
			w.deps.Observer.Observe(cam, key, t.Detection.Demographics, working.Timestamp)
		}
	}

	alerts, analytics := w.engine.Analyze(observations, working.Timestamp)
	for _, a := range alerts {
		w.raise(ctx, AlertEvent{CameraID: cam, SessionID: w.session, Alert: a, Frame: working})
	}
	w.matchIdentities(ctx, working, tracked)
	w.pruneEmbeddings()

	active := w.tracker.Len()
	w.mu.Lock()
	w.working = Resolution{Width: working.Width, Height: working.Height}
	w.analytics = analytics
	w.tracks = active
	w.latest = working
	w.mu.Unlock()

	w.framesProcessed.Add(1)
	w.deps.Metrics.ActiveTracks(cam, active)
	w.deps.Metrics.FrameProcessed(cam, time.Since(start))
}

// stageFault logs a model fault; the stage yields an empty result
func (w *Worker) stageFault(ctx context.Context, stage string, err error) {
	if ctx.Err() != nil {
		return
	}
	w.deps.Metrics.StageError(w.cfg.CameraID, stage)
	w.logger.Warn("Pipeline stage failed", "stage", stage, "error", err)
}

func (w *Worker) classify(ctx context.Context, frame *video.Frame, box ai.BoundingBox) *ai.PoseResult {
	if w.deps.Pose == nil {
		return nil
	}
	res, err := w.deps.Pose.Classify(ctx, frame, box)
	if err != nil {
		w.stageFault(ctx, "pose", err)
		return nil
	}
	return &res
}

// matchIdentities embeds each tracked face at most once every FaceEvery
// processed frames and raises a known_identity alert per identity, subject
// to the identity cooldown.
func (w *Worker) matchIdentities(ctx context.Context, frame *video.Frame, tracked []tracker.Tracked) {
	if w.deps.Embedder == nil || w.deps.Matcher == nil {
		return
	}
	threshold := identity.DefaultMatchThreshold
	if t, ok := w.deps.Matcher.(interface{ Threshold() float64 }); ok {
		threshold = t.Threshold()
	}

	for _, t := range tracked {
		last, seen := w.embeddedAt[t.Track.ID]
		if seen && w.processed-last < uint64(w.cfg.FaceEvery) {
			continue
		}
		w.embeddedAt[t.Track.ID] = w.processed

		crop, err := video.Crop(frame.Image, t.Detection.Box.Rect(), 0)
		if err != nil {
			continue
		}
		embedding, err := w.deps.Embedder.Embed(ctx, crop)
		if err != nil {
			w.stageFault(ctx, "embed", err)
			continue
		}
		if embedding == nil {
			continue
		}

		match, ok := w.deps.Matcher.Match(embedding)
		if !ok {
			continue
		}
		if last, ok := w.identityLast[match.IdentityID]; ok && frame.Timestamp.Sub(last) < w.cfg.IdentityCooldown {
			continue
		}
		w.identityLast[match.IdentityID] = frame.Timestamp

		id := match.IdentityID
		w.raise(ctx, AlertEvent{
			CameraID:  w.cfg.CameraID,
			SessionID: w.session,
			Alert: behavior.Alert{
				Type:        behavior.AlertKnownIdentity,
				Severity:    knownIdentitySeverity,
				TrackID:     t.Track.ID,
				Box:         t.Detection.Box,
				Confidence:  match.Confidence(threshold),
				Description: fmt.Sprintf("Known identity %s recognized (distance %.3f)", match.Name, match.Distance),
				IsStaff:     t.Detection.IsStaff,
				Timestamp:   frame.Timestamp,
			},
			IdentityID:   &id,
			IdentityName: match.Name,
			Frame:        frame,
		})
	}
}

// pruneEmbeddings forgets tracks the tracker has dropped
func (w *Worker) pruneEmbeddings() {
	if len(w.embeddedAt) == 0 {
		return
	}
	live := make(map[uint64]struct{}, len(w.embeddedAt))
	for _, t := range w.tracker.Tracks() {
		live[t.ID] = struct{}{}
	}
	for id := range w.embeddedAt {
		if _, ok := live[id]; !ok {
			delete(w.embeddedAt, id)
		}
	}
}

func (w *Worker) raise(ctx context.Context, event AlertEvent) {
	w.alertsRaised.Add(1)
	w.logger.Info("Alert raised",
		"type", event.Alert.Type,
		"track_id", event.Alert.TrackID,
		"severity", event.Alert.Severity,
	)
	if w.deps.Alerts == nil {
		return
	}
	if err := w.deps.Alerts.HandleAlert(ctx, event); err != nil {
		w.stageFault(ctx, "alert", err)
	}
}

// Status returns a copy of the worker counters. It never waits on the
// processing loop.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	st := Status{
		CameraID:        w.cfg.CameraID,
		SessionID:       w.session,
		State:           w.state,
		FramesRead:      w.framesRead.Load(),
		FramesProcessed: w.framesProcessed.Load(),
		FramesDropped:   w.framesDropped.Load(),
		PersonsDetected: w.persons.Load(),
		AlertsRaised:    w.alertsRaised.Load(),
		Reconnects:      w.reconnects.Load(),
		ActiveTracks:    w.tracks,
		SkipFactor:      int(w.skip.Load()),
		Original:        w.original,
		Working:         w.working,
		HighResolution:  w.highRes,
		LastError:       w.lastErr,
		Analytics:       w.analytics,
	}
	if !w.startedAt.IsZero() {
		started := w.startedAt
		st.StartedAt = &started
		end := time.Now()
		if !w.stoppedAt.IsZero() {
			end = w.stoppedAt
		}
		st.Uptime = end.Sub(started).Round(time.Second).String()
	}
	return st
}

// LatestFrame returns the last processed frame as JPEG. The encoding is
// cached until a newer frame is processed.
func (w *Worker) LatestFrame() ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.latest == nil {
		return nil, false
	}
	if w.latestJPEG != nil && w.latestSeq == w.latest.Seq {
		return w.latestJPEG, true
	}
	data, err := video.EncodeJPEG(w.latest.Image, w.cfg.JPEGQuality)
	if err != nil {
		w.logger.Warn("Failed to encode latest frame", "error", err)
		return nil, false
	}
	w.latestJPEG = data
	w.latestSeq = w.latest.Seq
	return data, true
}
