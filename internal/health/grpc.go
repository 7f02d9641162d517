package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/service"
)

// DefaultProbeInterval is how often the gRPC serving status is refreshed
const DefaultProbeInterval = 10 * time.Second

// ServiceName is the gRPC health service name of the engine as a whole.
// Every checker is also exposed under its own name.
const ServiceName = "storeguard"

// GRPCServer serves the grpc.health.v1 protocol from the checks of a
// Manager
type GRPCServer struct {
	*service.ServiceBase
	config   *config.GRPCConfig
	checks   *Manager
	health   *grpchealth.Server
	interval time.Duration

	server   *grpc.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewGRPCServer creates the gRPC health service
func NewGRPCServer(cfg *config.GRPCConfig, checks *Manager, log *logger.Logger) *GRPCServer {
	return &GRPCServer{
		ServiceBase: service.NewServiceBase("grpc-health", log),
		config:      cfg,
		checks:      checks,
		health:      grpchealth.NewServer(),
		interval:    DefaultProbeInterval,
	}
}

// SetInterval overrides the refresh interval
func (s *GRPCServer) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Name returns the service name
func (s *GRPCServer) Name() string {
	return "grpc-health"
}

// Addr returns the listen address once started
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens and serves in the background
func (s *GRPCServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("gRPC health server is disabled")
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

	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.logInterceptor),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	// first verdict before the first client asks
	s.refresh(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.LogError("gRPC health server error", err)
			s.Fail(err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.probeLoop(runCtx)
	}()

	s.Transition(service.StatusRunning)
	s.LogInfo("gRPC health server started", "address", ln.Addr().String())
	return nil
}

// Stop marks every service as not serving and stops the server
func (s *GRPCServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.Transition(service.StatusStopping)
	s.cancel()
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		// watch streams keep GracefulStop waiting
		s.server.Stop()
	}
	s.wg.Wait()

	s.Transition(service.StatusStopped)
	return nil
}

func (s *GRPCServer) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh maps the latest report onto serving statuses. Degraded still
// counts as serving.
func (s *GRPCServer) refresh(ctx context.Context) {
	report := s.checks.Check(ctx)
	for name, check := range report.Checks {
		s.health.SetServingStatus(name, servingStatus(check.Status))
	}
	overall := servingStatus(report.Status)
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)
}

func servingStatus(st Status) healthpb.HealthCheckResponse_ServingStatus {
	if st == StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (s *GRPCServer) logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.LogDebug("gRPC request", "method", info.FullMethod, "latency", time.Since(start), "error", err)
	return resp, err
}
