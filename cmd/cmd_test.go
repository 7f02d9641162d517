package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCommand(BuildInfo{Version: "1.0.0", GitCommit: "abc", BuildTime: "today"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "storeguard 1.0.0 (commit abc, built today)\n", out)
}

func TestProbeCommand(t *testing.T) {
	out, err := run(t, "probe", "synthetic://640x360")
	require.NoError(t, err)
	assert.Contains(t, out, "Resolution:      640x360")
	assert.Contains(t, out, "Stream received: ok")

	out, err = run(t, "probe", "--json", "synthetic://notasize")
	assert.Error(t, err)
	assert.Contains(t, out, `"success": false`)
}

func TestDetectCommand(t *testing.T) {
	out, err := run(t, "detect", "--frames", "3", "synthetic://320x180?persons=1")
	require.NoError(t, err)
	assert.Contains(t, out, "[frame 1] 320x180, 1 person(s)")
	assert.Contains(t, out, "[frame 3]")
}
