package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vzahanych/storeguard/internal/health"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/state"
)

func TestApp_ServesAndFlushesOnShutdown(t *testing.T) {
	cfg := newTestConfig(t, true)
	a := startApp(t, cfg)
	base := "http://" + a.Web.Addr()

	resp, err := http.Get(base + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]interface{}{
		"id":     "A",
		"source": "synthetic://320x180?fps=25",
		"start":  true,
	})
	resp, err = http.Post(base+"/api/cameras", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	require.Eventually(t, func() bool {
		st, err := a.Cameras.GetStatus("A")
		return err == nil && st.Worker.PersonsDetected > 0
	}, 10*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(data), `storeguard_persons_detected_total{camera="A"}`)

	conn, err := grpc.NewClient(a.GRPC.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: health.ServiceName})
	conn.Close()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.Status)

	require.NoError(t, a.Shutdown(ctx))

	// the final flush on shutdown wrote the open bucket
	store, err := state.NewManager(cfg.Database, logger.NewNopLogger())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	rows, err := store.GetHourlyFootfall(context.Background(), "A", now.Add(-2*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.GreaterOrEqual(t, rows[0].UniqueCount, 1)

	cam, err := store.GetCamera(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, cam.Active, "cameras running at shutdown restart on the next boot")
}
