package logger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestNew_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	log, err := New(LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	cam := log.Named("pipeline").ForCamera("A")
	cam.Info("Camera connected", "codec", "h264", "latency", 150*time.Millisecond)
	cam.Warn("Frame dropped", "error", errors.New("decoder busy"))
	cam.Debug("not written")
	log.Sync()

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	assert.Equal(t, "Camera connected", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "pipeline", lines[0]["component"])
	assert.Equal(t, "A", lines[0]["camera_id"])
	assert.Equal(t, "h264", lines[0]["codec"])
	assert.Equal(t, "150ms", lines[0]["latency"])

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "decoder busy", lines[1]["error"])
}

func TestSetLevel_AppliesToChildren(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(LogConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)
	assert.Equal(t, "warn", log.Level())

	child := log.Named("alerts")
	child.Info("dropped")

	require.NoError(t, child.SetLevel("debug"))
	assert.Equal(t, "debug", log.Level())
	log.Debug("kept")
	log.Sync()

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])

	assert.Error(t, log.SetLevel("loud"))
	assert.Equal(t, "debug", log.Level())
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	log, err := New(LogConfig{Level: "chatty", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, "info", log.Level())
}

func TestConvertFields(t *testing.T) {
	fields := convertFields("camera_id", "A", 42, "skipped", "track", uint64(7), "dangling")
	require.Len(t, fields, 2)
	assert.Equal(t, "camera_id", fields[0].Key)
	assert.Equal(t, "track", fields[1].Key)
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.ForCamera("A").With("track_id", 1).Error("ignored", "error", errors.New("x"))
	require.NoError(t, log.SetLevel("error"))
	assert.Equal(t, "error", log.Level())
}
