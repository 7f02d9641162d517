// Package app wires the engine's services together from a configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vzahanych/storeguard/internal/aggregation"
	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/alerts"
	"github.com/vzahanych/storeguard/internal/camera"
	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/health"
	"github.com/vzahanych/storeguard/internal/identity"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/outbox"
	"github.com/vzahanych/storeguard/internal/probe"
	"github.com/vzahanych/storeguard/internal/service"
	"github.com/vzahanych/storeguard/internal/state"
	"github.com/vzahanych/storeguard/internal/storage"
	"github.com/vzahanych/storeguard/internal/video"
	"github.com/vzahanych/storeguard/internal/web"
)

// App holds every long-running component of the engine
type App struct {
	Config     *config.Config
	Logger     *logger.Logger
	Services   *service.Manager
	State      *state.Manager
	Metrics    *metrics.Metrics
	Snapshots  *storage.SnapshotStore
	Aggregator *aggregation.FlushService
	Alerts     *alerts.Dispatcher
	Outbox     *outbox.Retrier
	Cameras    *camera.Supervisor
	Web        *web.Server
	Health     *health.Manager
	GRPC       *health.GRPCServer

	redis *redis.Client
	mqtt  *alerts.MQTTSink
}

// New builds the engine. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, version string) (*App, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	a := &App{
		Config:   cfg,
		Logger:   log,
		Services: service.NewManager(log),
	}
	cleanup := func() { a.close() }

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	a.Metrics = m

	a.State, err = state.NewManager(cfg.Database, log.Named("state"))
	if err != nil {
		return nil, err
	}

	a.Snapshots, err = storage.NewSnapshotStore(storage.Config{
		Dir:           cfg.Snapshots.Dir,
		BaseURL:       cfg.Snapshots.BaseURL,
		RetentionDays: cfg.Snapshots.RetentionDays,
	}, log.Named("snapshots"))
	if err != nil {
		cleanup()
		return nil, err
	}

	bus := a.Services.GetEventBus()
	a.Alerts, err = alerts.NewDispatcher(alerts.ConfigFromSettings(cfg), a.State, a.Snapshots, bus, m, log.Named("alerts"))
	if err != nil {
		cleanup()
		return nil, err
	}
	a.Outbox = outbox.NewRetrier(outbox.ConfigFromSettings(cfg.Alerts.Retry), a.State, m, log.Named("outbox"))
	a.Alerts.SetDeferrer(a.Outbox)
	if cfg.Redis.Enabled {
		a.redis, err = alerts.DialRedis(ctx, cfg.Redis)
		if err != nil {
			// alerts still persist and reach the dashboard
			log.Warn("Redis alert stream unavailable", "error", err)
		} else {
			sink := alerts.NewRedisSink(a.redis, cfg.Redis.Stream, cfg.Redis.MaxLen)
			a.Alerts.AddSink(sink)
			a.Outbox.AddSink(sink)
		}
	}
	if cfg.MQTT.Enabled {
		a.mqtt, err = alerts.DialMQTT(ctx, cfg.MQTT, log.Named("mqtt"))
		if err != nil {
			log.Warn("MQTT alert publisher unavailable", "error", err)
		} else {
			a.Alerts.AddSink(a.mqtt)
			a.Outbox.AddSink(a.mqtt)
		}
	}
	hub := web.NewHub(log.Named("ws"))
	a.Alerts.AddSink(hub)

	deps := camera.Deps{
		Sources: camera.DefaultSourceFactory(video.SourceOptions{}),
		Alerts:  a.Alerts,
		Metrics: m,
	}
	var inference *ai.Client
	if cfg.AI.DetectorURL != "" || cfg.AI.PoseURL != "" || cfg.AI.FaceURL != "" {
		inference = ai.NewClient(ai.ClientConfig{
			DetectorURL:         cfg.AI.DetectorURL,
			PoseURL:             cfg.AI.PoseURL,
			FaceURL:             cfg.AI.FaceURL,
			Timeout:             cfg.AI.Timeout,
			ConfidenceThreshold: cfg.AI.ConfidenceThreshold,
			JPEGQuality:         cfg.Pipeline.JPEGQuality,
		}, log.Named("ai"))
	}
	if cfg.AI.DetectorURL != "" {
		deps.Detector = inference
	} else {
		log.Warn("No detector configured, only synthetic markers are detected")
		deps.Detector = ai.NewMarkerDetector()
	}
	if cfg.AI.PoseURL != "" {
		deps.Pose = ai.NewLandmarkPoseClassifier(inference, cfg.Behavior.SnapshotPadding)
	}
	if cfg.AI.FaceURL != "" {
		deps.Embedder = inference
		deps.Registry = identity.NewRegistry(a.State, identity.Config{
			MatchThreshold: cfg.Identity.MatchThreshold,
			EmbeddingDim:   cfg.Identity.EmbeddingDim,
			Normalize:      cfg.Identity.Normalize,
		}, log.Named("identity"))
	}

	store := aggregation.NewStore()
	deps.Observer = store
	a.Aggregator = aggregation.NewFlushService(store, a.State, cfg.Aggregation.FlushInterval, m, log.Named("aggregation"))

	a.Cameras = camera.NewSupervisor(cfg, a.State, deps, log.Named("cameras"))
	if deps.Registry != nil {
		if _, err := a.Cameras.ReloadIdentities(ctx); err != nil {
			log.Warn("Initial identity load failed", "error", err)
		}
	}

	disk := storage.NewDiskMonitor(a.Snapshots.Dir(), 0, log)
	a.Health = health.NewManager(log.Named("health"), a.Services)
	a.Health.RegisterChecker(health.NewDatabaseChecker(a.State))
	a.Health.RegisterChecker(health.NewStorageChecker(a.Snapshots.Dir(), disk))
	a.Health.RegisterChecker(health.NewCameraChecker(a.Cameras))
	if inference != nil {
		a.Health.RegisterChecker(health.NewAIServiceChecker(inference))
	}

	webDeps := web.Dependencies{
		Cameras:      a.Cameras,
		Alerts:       a.State,
		Analytics:    a.State,
		Prober:       probe.NewProber(video.SourceOptions{}, log.Named("probe")),
		Discoverer:   camera.NewDiscoverer(log.Named("discovery")),
		Hub:          hub,
		Health:       a.Health.Handler(),
		SnapshotsDir: a.Snapshots.Dir(),
		SnapshotsURL: a.Snapshots.BaseURL(),
	}
	if cfg.Metrics.Enabled {
		webDeps.Metrics = m.Handler()
	}
	a.Web = web.NewServer(&cfg.Web, webDeps, log.Named("web"))
	a.Web.SetVersion(version)

	a.GRPC = health.NewGRPCServer(&cfg.GRPC, a.Health, log.Named("grpc"))

	// shutdown runs in reverse: the API goes first, the flush service last
	// so buckets of stopped workers are written
	a.Services.Register(a.Aggregator)
	a.Services.Register(a.Outbox)
	a.Services.Register(storage.NewRetentionService(a.Snapshots, 0, log.Named("retention")))
	a.Services.Register(a.Cameras)
	a.Services.Register(a.Web)
	a.Services.Register(a.GRPC)

	return a, nil
}

// Start starts every service in order
func (a *App) Start(ctx context.Context) error {
	return a.Services.Start(ctx)
}

// Shutdown stops every service and closes the database
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Services.Shutdown(ctx)
	a.Cameras.Wait()
	return errors.Join(err, a.close())
}

func (a *App) close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.State != nil {
		errs = append(errs, a.State.Close())
	}
	return errors.Join(errs...)
}
