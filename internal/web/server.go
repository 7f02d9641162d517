package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/storeguard/internal/camera"
	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/identity"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/probe"
	"github.com/vzahanych/storeguard/internal/service"
	"github.com/vzahanych/storeguard/internal/state"
	"github.com/vzahanych/storeguard/internal/web/streaming"
)

// CameraService is the camera control surface exposed over HTTP
type CameraService interface {
	Register(ctx context.Context, cam camera.Camera) error
	RemoveCamera(ctx context.Context, id string) error
	StartCamera(ctx context.Context, id string) error
	StopCamera(ctx context.Context, id string) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	GetStatus(id string) (camera.CameraStatus, error)
	GetAllStatus() []camera.CameraStatus
	GetLatestFrame(id string) ([]byte, bool)
	ReloadIdentities(ctx context.Context) (identity.Summary, error)
}

// AlertStore serves persisted alerts
type AlertStore interface {
	ListAlerts(ctx context.Context, filter state.AlertFilter) ([]state.Alert, error)
	GetAlert(ctx context.Context, id string) (*state.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string) error
}

// AnalyticsStore serves flushed hourly aggregates
type AnalyticsStore interface {
	GetHourlyFootfall(ctx context.Context, cameraID string, from, to time.Time) ([]state.HourlyFootfall, error)
	GetHourlyDemographics(ctx context.Context, cameraID string, from, to time.Time) ([]state.HourlyDemographics, error)
}

// Prober tests a stream locator
type Prober interface {
	Test(ctx context.Context, locator string, timeout time.Duration) probe.Result
}

// Discoverer finds cameras that could be registered
type Discoverer interface {
	Discover(ctx context.Context) ([]camera.Candidate, error)
}

// Dependencies are the collaborators of the API. Nil members disable their
// routes with 503.
type Dependencies struct {
	Cameras    CameraService
	Alerts     AlertStore
	Analytics  AnalyticsStore
	Prober     Prober
	Discoverer Discoverer
	Hub        *Hub
	Metrics    http.Handler
	// Health serves the /health probes
	Health http.Handler
	// SnapshotsDir is served under SnapshotsURL when set
	SnapshotsDir string
	SnapshotsURL string
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	deps       Dependencies
	streams    *streaming.Service
	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	version    string
	startTime  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new web server service with its routes registered
func NewServer(cfg *config.WebConfig, deps Dependencies, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		deps:        deps,
		router:      router,
		version:     "dev",
		startTime:   time.Now(),
	}
	if deps.Cameras != nil {
		s.streams = streaming.NewService(deps.Cameras, streaming.DefaultInterval, log)
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the address the server listens on once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Name returns the service name
func (s *Server) Name() string {
	return "web-server"
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}
	s.Transition(service.StatusStarting)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Fail(err)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	// WriteTimeout stays disabled for MJPEG and WebSocket streams
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.deps.Hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deps.Hub.Run(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", ln.Addr().String())
			s.Fail(err)
		}
	}()

	s.Transition(service.StatusRunning)
	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down, ending open streams
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.Transition(service.StatusStopping)
	s.LogInfo("Stopping web server")

	s.cancel()
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		// hijacked and streaming connections are not tracked by Shutdown
		s.httpServer.Close()
	}
	s.wg.Wait()

	s.Transition(service.StatusStopped)
	return err
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		cameras := api.Group("/cameras")
		{
			cameras.GET("", s.handleListCameras)
			cameras.POST("", s.handleAddCamera)
			cameras.GET("/:id", s.handleGetCamera)
			cameras.DELETE("/:id", s.handleDeleteCamera)
			cameras.POST("/:id/start", s.handleStartCamera)
			cameras.POST("/:id/stop", s.handleStopCamera)
			cameras.GET("/:id/frame", s.handleSingleFrame)
			cameras.GET("/:id/stream", s.handleMJPEGStream)
		}

		supervisor := api.Group("/supervisor")
		{
			supervisor.POST("/start-all", s.handleStartAll)
			supervisor.POST("/stop-all", s.handleStopAll)
		}

		alerts := api.Group("/alerts")
		{
			alerts.GET("", s.handleListAlerts)
			alerts.GET("/:id", s.handleGetAlert)
			alerts.POST("/:id/ack", s.handleAcknowledgeAlert)
		}

		analytics := api.Group("/analytics")
		{
			analytics.GET("/footfall", s.handleFootfall)
			analytics.GET("/demographics", s.handleDemographics)
		}

		api.POST("/probe", s.handleProbe)
		api.GET("/discovery", s.handleDiscovery)
		api.POST("/identities/reload", s.handleReloadIdentities)
		api.GET("/log-level", s.handleGetLogLevel)
		api.PUT("/log-level", s.handleSetLogLevel)
	}

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Health != nil {
		h := gin.WrapH(s.deps.Health)
		for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/services"} {
			s.router.GET(path, h)
		}
	}
	if s.deps.SnapshotsDir != "" {
		url := s.deps.SnapshotsURL
		if url == "" {
			url = "/snapshots"
		}
		s.router.Static(url, s.deps.SnapshotsDir)
	}
	if s.deps.Hub != nil {
		s.router.GET("/ws", gin.WrapF(s.deps.Hub.ServeWS))
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
