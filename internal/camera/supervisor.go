package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/identity"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/pipeline"
	"github.com/vzahanych/storeguard/internal/service"
	"github.com/vzahanych/storeguard/internal/state"
	"github.com/vzahanych/storeguard/internal/video"
)

var (
	ErrCameraNotFound    = errors.New("camera not found")
	ErrCameraExists      = errors.New("camera already exists")
	ErrSourceUnavailable = errors.New("camera source unavailable")
	ErrNoRegistry        = errors.New("identity registry not configured")
)

const (
	DefaultVerifyTimeout = 15 * time.Second
	DefaultStopTimeout   = 5 * time.Second
	DefaultTouchInterval = time.Minute
)

// Camera is a registered camera
type Camera struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
	Zone   string `json:"zone"`
}

// CameraStatus combines a camera with the status of its latest worker. A
// camera that was never started reports the ready state.
type CameraStatus struct {
	Camera
	Running bool            `json:"running"`
	Worker  pipeline.Status `json:"worker"`
}

// SourceFactory builds the video source of a camera
type SourceFactory func(cameraID, locator string) (video.Source, error)

// DefaultSourceFactory builds sources with video.NewSource
func DefaultSourceFactory(opts video.SourceOptions) SourceFactory {
	return func(cameraID, locator string) (video.Source, error) {
		return video.NewSource(cameraID, locator, opts)
	}
}

// Deps are the collaborators shared by every camera worker
type Deps struct {
	Sources  SourceFactory
	Detector ai.Detector
	Pose     ai.PoseClassifier
	Embedder ai.FaceEmbedder
	Registry *identity.Registry
	Observer pipeline.Observer
	Alerts   pipeline.AlertHandler
	Metrics  *metrics.Metrics
}

type entry struct {
	camera Camera
	worker *pipeline.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) running() bool {
	if e.cancel == nil || e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Supervisor owns the camera registry and one stream worker per running
// camera
type Supervisor struct {
	*service.ServiceBase

	cfg   *config.Config
	store *state.Manager
	deps  Deps

	verifyTimeout time.Duration
	stopTimeout   time.Duration
	touchInterval time.Duration

	mu      sync.RWMutex
	cameras map[string]*entry

	ctx     context.Context
	cancel  context.CancelFunc
	bgStop  context.CancelFunc
	bg      sync.WaitGroup
	workers sync.WaitGroup
}

// NewSupervisor creates a supervisor. store may be nil, in which case
// cameras are kept in memory only.
func NewSupervisor(cfg *config.Config, store *state.Manager, deps Deps, log *logger.Logger) *Supervisor {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Sources == nil {
		deps.Sources = DefaultSourceFactory(video.SourceOptions{})
	}
	stopTimeout := cfg.Pipeline.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ServiceBase:   service.NewServiceBase("camera-supervisor", log),
		cfg:           cfg,
		store:         store,
		deps:          deps,
		verifyTimeout: DefaultVerifyTimeout,
		stopTimeout:   stopTimeout,
		touchInterval: DefaultTouchInterval,
		cameras:       make(map[string]*entry),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetVerifyTimeout bounds how long RegisterCamera waits for a first frame
func (s *Supervisor) SetVerifyTimeout(d time.Duration) {
	if d > 0 {
		s.verifyTimeout = d
	}
}

// Start loads persisted and configured cameras and schedules the automatic
// restart of the ones that were recently active
func (s *Supervisor) Start(ctx context.Context) error {
	s.ServiceBase.Transition(service.StatusStarting)
	s.LogInfo("Starting camera supervisor")

	pending, err := s.recoverCameras(ctx)
	if err != nil {
		s.ServiceBase.Fail(err)
		return err
	}

	bgCtx, bgStop := context.WithCancel(s.ctx)
	s.bgStop = bgStop

	if len(pending) > 0 {
		s.bg.Add(1)
		go s.autoStart(bgCtx, pending)
	}
	if s.store != nil {
		s.bg.Add(1)
		go s.monitorCameras(bgCtx)
	}

	s.ServiceBase.Transition(service.StatusRunning)
	return nil
}

// Stop stops every worker. The persisted active flags are kept so the
// cameras restart on the next boot.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.ServiceBase.Transition(service.StatusStopping)
	s.LogInfo("Stopping camera supervisor")

	if s.bgStop != nil {
		s.bgStop()
	}
	s.bg.Wait()

	s.touchRunning(ctx)
	err := s.stopAll(ctx, false)
	s.cancel()

	s.ServiceBase.Transition(service.StatusStopped)
	return err
}

// recoverCameras loads persisted cameras, registers the statically
// configured ones and returns the ids to start automatically
func (s *Supervisor) recoverCameras(ctx context.Context) ([]string, error) {
	var pending []string
	queued := make(map[string]bool)

	if s.store != nil {
		stored, err := s.store.ListCameras(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list cameras: %w", err)
		}

		window := s.cfg.AutoStart.Window
		now := time.Now()
		for _, c := range stored {
			s.add(Camera{ID: c.ID, Name: c.Name, Source: c.SourceURL, Zone: c.Zone})
			s.LogInfo("Recovered camera", "camera_id", c.ID, "active", c.Active)

			if !s.cfg.AutoStart.Enabled || !c.Active || c.LastActive == nil {
				continue
			}
			if window > 0 && now.Sub(*c.LastActive) > window {
				s.LogInfo("Camera inactive for too long, not restarting",
					"camera_id", c.ID,
					"last_active", c.LastActive.Format(time.RFC3339),
				)
				continue
			}
			pending = append(pending, c.ID)
			queued[c.ID] = true
		}
	}

	for _, cc := range s.cfg.Cameras {
		cam := Camera{ID: cc.ID, Name: cc.Name, Source: cc.Source, Zone: cc.Zone}
		if cam.Name == "" {
			cam.Name = cam.ID
		}
		if err := s.persist(ctx, cam); err != nil {
			return nil, err
		}
		s.add(cam)
		if cc.Enabled && !queued[cc.ID] {
			pending = append(pending, cc.ID)
			queued[cc.ID] = true
		}
	}

	return pending, nil
}

// autoStart starts cameras after the initial delay, one per stagger interval
func (s *Supervisor) autoStart(ctx context.Context, ids []string) {
	defer s.bg.Done()

	delay := s.cfg.AutoStart.InitialDelay
	for i, id := range ids {
		if i > 0 {
			delay = s.cfg.AutoStart.Stagger
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.StartCamera(ctx, id); err != nil {
			s.LogError("Failed to restart camera", err, "camera_id", id)
			continue
		}
		s.LogInfo("Camera restarted automatically", "camera_id", id)
	}
}

// monitorCameras keeps last_active current for running cameras
func (s *Supervisor) monitorCameras(ctx context.Context) {
	defer s.bg.Done()

	ticker := time.NewTicker(s.touchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.touchRunning(ctx)
		}
	}
}

func (s *Supervisor) touchRunning(ctx context.Context) {
	if s.store == nil {
		return
	}
	now := time.Now()
	for _, id := range s.runningIDs() {
		if err := s.store.TouchCamera(ctx, id, now); err != nil {
			s.LogWarn("Failed to update camera last active", "camera_id", id, "error", err)
		}
	}
}

func (s *Supervisor) add(cam Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cameras[cam.ID]; ok {
		e.camera = cam
		return
	}
	s.cameras[cam.ID] = &entry{camera: cam}
}

func (s *Supervisor) persist(ctx context.Context, cam Camera) error {
	if s.store == nil {
		return nil
	}
	existing, err := s.store.GetCamera(ctx, cam.ID)
	active := false
	if err == nil {
		active = existing.Active
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}
	return s.store.UpsertCamera(ctx, state.Camera{
		ID:        cam.ID,
		Name:      cam.Name,
		SourceURL: cam.Source,
		Zone:      cam.Zone,
		Active:    active,
	})
}

// RegisterCamera adds a camera after checking that its source delivers a
// frame. The camera is not started.
func (s *Supervisor) RegisterCamera(ctx context.Context, id, source, zone string) error {
	return s.Register(ctx, Camera{ID: id, Name: id, Source: source, Zone: zone})
}

// Register is RegisterCamera with a display name
func (s *Supervisor) Register(ctx context.Context, cam Camera) error {
	if cam.ID == "" {
		return errors.New("camera id is required")
	}
	if cam.Source == "" {
		return fmt.Errorf("%w: empty source", ErrSourceUnavailable)
	}
	if cam.Name == "" {
		cam.Name = cam.ID
	}
	if s.exists(cam.ID) {
		return fmt.Errorf("%w: %s", ErrCameraExists, cam.ID)
	}

	src, err := s.deps.Sources(cam.ID, cam.Source)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	verifyCtx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	frame, err := video.Verify(verifyCtx, src)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	s.mu.Lock()
	if _, ok := s.cameras[cam.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraExists, cam.ID)
	}
	s.cameras[cam.ID] = &entry{camera: cam}
	s.mu.Unlock()

	if err := s.persist(ctx, cam); err != nil {
		s.mu.Lock()
		delete(s.cameras, cam.ID)
		s.mu.Unlock()
		return fmt.Errorf("failed to save camera: %w", err)
	}

	s.LogInfo("Registered camera",
		"camera_id", cam.ID,
		"zone", cam.Zone,
		"width", frame.Width,
		"height", frame.Height,
	)
	s.PublishEvent(service.EventTypeCameraRegistered, map[string]interface{}{
		"camera_id": cam.ID,
		"name":      cam.Name,
		"zone":      cam.Zone,
	})
	return nil
}

// RemoveCamera stops and forgets a camera
func (s *Supervisor) RemoveCamera(ctx context.Context, id string) error {
	if err := s.stopCamera(ctx, id, false); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cameras, id)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteCamera(ctx, id); err != nil && !errors.Is(err, state.ErrNotFound) {
			return err
		}
	}
	s.LogInfo("Removed camera", "camera_id", id)
	return nil
}

func (s *Supervisor) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cameras[id]
	return ok
}

// StartCamera launches a worker for a registered camera. Starting a running
// camera is a no-op.
func (s *Supervisor) StartCamera(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.cameras[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	if e.running() {
		s.mu.Unlock()
		return nil
	}

	src, err := s.deps.Sources(id, e.camera.Source)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	deps := pipeline.Deps{
		Detector: s.deps.Detector,
		Pose:     s.deps.Pose,
		Embedder: s.deps.Embedder,
		Observer: s.deps.Observer,
		Alerts:   s.deps.Alerts,
		Metrics:  s.deps.Metrics,
		Logger:   s.Logger(),
	}
	if s.deps.Registry != nil {
		deps.Matcher = s.deps.Registry
	}
	worker, err := pipeline.NewWorker(pipeline.ConfigFromSettings(id, s.cfg), src, deps)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	e.worker = worker
	e.cancel = cancel
	e.done = done
	s.workers.Add(1)
	s.mu.Unlock()

	go s.run(workerCtx, cancel, e, worker, done)

	if s.store != nil {
		if err := s.store.SetCameraActive(ctx, id, true); err != nil {
			s.LogWarn("Failed to persist camera state", "camera_id", id, "error", err)
		}
	}

	s.LogInfo("Camera started", "camera_id", id, "session_id", worker.SessionID())
	s.PublishEvent(service.EventTypeCameraStarted, map[string]interface{}{
		"camera_id":  id,
		"session_id": worker.SessionID(),
	})
	return nil
}

func (s *Supervisor) run(ctx context.Context, cancel context.CancelFunc, e *entry, worker *pipeline.Worker, done chan struct{}) {
	defer s.workers.Done()
	defer close(done)
	defer cancel()

	id := worker.CameraID()
	err := worker.Run(ctx)
	stoppedByUs := ctx.Err() != nil

	s.mu.Lock()
	if e.done == done {
		e.cancel = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.LogError("Camera worker failed", err, "camera_id", id)
		s.PublishEvent(service.EventTypeCameraError, map[string]interface{}{
			"camera_id": id,
			"error":     err.Error(),
		})
		return
	}
	if stoppedByUs {
		return
	}

	// a finite source ran out
	s.LogInfo("Camera stream ended", "camera_id", id)
	if s.store != nil {
		storeCtx, storeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.SetCameraActive(storeCtx, id, false); err != nil {
			s.LogWarn("Failed to persist camera state", "camera_id", id, "error", err)
		}
		storeCancel()
	}
	s.PublishEvent(service.EventTypeCameraStopped, map[string]interface{}{
		"camera_id": id,
		"reason":    "end_of_stream",
	})
}

// StopCamera cancels a camera's worker and waits for it up to the stop
// timeout. A worker that does not exit in time is abandoned and reported as
// a fault. Stopping a camera that is not running is a no-op.
func (s *Supervisor) StopCamera(ctx context.Context, id string) error {
	return s.stopCamera(ctx, id, true)
}

func (s *Supervisor) stopCamera(ctx context.Context, id string, persist bool) error {
	s.mu.Lock()
	e, ok := s.cameras[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	cancel, done, wasRunning := e.cancel, e.done, e.running()
	e.cancel = nil
	s.mu.Unlock()

	if persist && s.store != nil {
		if err := s.store.SetCameraActive(ctx, id, false); err != nil && !errors.Is(err, state.ErrNotFound) {
			s.LogWarn("Failed to persist camera state", "camera_id", id, "error", err)
		}
	}
	if cancel == nil {
		return nil
	}
	cancel()

	if wasRunning {
		timer := time.NewTimer(s.stopTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.abandon(id)
			return nil
		case <-ctx.Done():
			s.abandon(id)
			return ctx.Err()
		}
	}

	s.LogInfo("Camera stopped", "camera_id", id)
	s.PublishEvent(service.EventTypeCameraStopped, map[string]interface{}{
		"camera_id": id,
		"reason":    "stopped",
	})
	return nil
}

func (s *Supervisor) abandon(id string) {
	s.LogError("Camera worker did not stop in time, abandoning it",
		fmt.Errorf("stop timeout after %s", s.stopTimeout),
		"camera_id", id,
	)
	s.deps.Metrics.WorkerAbandoned(id)
	s.PublishEvent(service.EventTypeCameraAbandoned, map[string]interface{}{
		"camera_id": id,
		"timeout":   s.stopTimeout.String(),
	})
}

// StartAll starts every registered camera that is not running
func (s *Supervisor) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range s.ids() {
		g.Go(func() error {
			return s.StartCamera(ctx, id)
		})
	}
	return g.Wait()
}

// StopAll stops every running camera concurrently
func (s *Supervisor) StopAll(ctx context.Context) error {
	return s.stopAll(ctx, true)
}

func (s *Supervisor) stopAll(ctx context.Context, persist bool) error {
	var g errgroup.Group
	for _, id := range s.runningIDs() {
		g.Go(func() error {
			return s.stopCamera(ctx, id, persist)
		})
	}
	return g.Wait()
}

// Wait blocks until every worker goroutine has returned, including
// abandoned ones
func (s *Supervisor) Wait() {
	s.workers.Wait()
}

func (s *Supervisor) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) runningIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, e := range s.cameras {
		if e.running() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Cameras lists the registered cameras ordered by id
func (s *Supervisor) Cameras() []Camera {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cams := make([]Camera, 0, len(s.cameras))
	for _, e := range s.cameras {
		cams = append(cams, e.camera)
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })
	return cams
}

// GetStatus returns the status of one camera
func (s *Supervisor) GetStatus(id string) (CameraStatus, error) {
	s.mu.RLock()
	e, ok := s.cameras[id]
	if !ok {
		s.mu.RUnlock()
		return CameraStatus{}, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	cam, worker, running := e.camera, e.worker, e.running()
	s.mu.RUnlock()

	return statusOf(cam, worker, running), nil
}

// GetAllStatus returns the status of every camera ordered by id
func (s *Supervisor) GetAllStatus() []CameraStatus {
	s.mu.RLock()
	type snap struct {
		cam     Camera
		worker  *pipeline.Worker
		running bool
	}
	snaps := make([]snap, 0, len(s.cameras))
	for _, e := range s.cameras {
		snaps = append(snaps, snap{e.camera, e.worker, e.running()})
	}
	s.mu.RUnlock()

	out := make([]CameraStatus, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, statusOf(sn.cam, sn.worker, sn.running))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func statusOf(cam Camera, worker *pipeline.Worker, running bool) CameraStatus {
	st := CameraStatus{Camera: cam, Running: running}
	if worker != nil {
		st.Worker = worker.Status()
	} else {
		st.Worker = pipeline.Status{CameraID: cam.ID, State: pipeline.StateReady}
	}
	return st
}

// GetLatestFrame returns the last processed frame of a camera as JPEG
func (s *Supervisor) GetLatestFrame(id string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.cameras[id]
	var worker *pipeline.Worker
	if ok {
		worker = e.worker
	}
	s.mu.RUnlock()

	if worker == nil {
		return nil, false
	}
	return worker.LatestFrame()
}

// ReloadIdentities reloads the known identity references. Running workers
// see the new references on their next match.
func (s *Supervisor) ReloadIdentities(ctx context.Context) (identity.Summary, error) {
	if s.deps.Registry == nil {
		return identity.Summary{}, ErrNoRegistry
	}

	summary, err := s.deps.Registry.Reload(ctx)
	s.deps.Metrics.IdentityReload(summary.Identities, err)
	if err != nil {
		s.LogError("Failed to reload identities", err)
		return summary, err
	}

	s.LogInfo("Identities reloaded",
		"identities", summary.Identities,
		"embeddings", summary.Embeddings,
		"invalid", summary.Invalid,
	)
	s.PublishEvent(service.EventTypeIdentitiesReloaded, map[string]interface{}{
		"identities": summary.Identities,
		"embeddings": summary.Embeddings,
		"invalid":    summary.Invalid,
	})
	return summary, nil
}
