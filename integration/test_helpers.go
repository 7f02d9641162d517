package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vzahanych/storeguard/internal/app"
	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
)

// newTestConfig builds a parsed configuration rooted in a temporary
// directory. The HTTP and gRPC listeners bind to ephemeral ports when
// enabled.
func newTestConfig(t *testing.T, listeners bool) *config.Config {
	t.Helper()

	raw := fmt.Sprintf(`
data_dir: %q
web:
  enabled: %t
  host: 127.0.0.1
grpc:
  enabled: %t
  host: 127.0.0.1
metrics:
  enabled: true
autostart:
  enabled: false
`, t.TempDir(), listeners, listeners)

	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// ephemeral ports once validated
	cfg.Web.Port = 0
	cfg.GRPC.Port = 0
	return cfg
}

// startApp builds and starts the engine and shuts it down when the test
// ends unless the test did so itself
func startApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()

	a, err := app.New(context.Background(), cfg, logger.NewNopLogger(), "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}
