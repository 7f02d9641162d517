package video

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpeg wraps the ffmpeg executable used to decode network and file sources
type FFmpeg struct {
	path string
}

// LookupFFmpeg finds the ffmpeg executable. An empty path searches PATH and
// the usual install locations.
func LookupFFmpeg(path string) (*FFmpeg, error) {
	candidates := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if path != "" {
		candidates = []string{path}
	}

	for _, candidate := range candidates {
		if resolved, err := exec.LookPath(candidate); err == nil {
			return &FFmpeg{path: resolved}, nil
		}
	}

	return nil, fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// Path returns the resolved executable path
func (f *FFmpeg) Path() string {
	return f.path
}

// BuildCommand builds an ffmpeg command bound to ctx
func (f *FFmpeg) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.path, args...)
}

// NetworkTimeout bounds how long ffmpeg waits on a silent network socket
// before it exits and the stream is reopened
const NetworkTimeout = 10 * time.Second

// StreamArgs returns the arguments that decode input into a stream of
// concatenated JPEG images on stdout.
func StreamArgs(input string, realtime bool, quality int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	// ffmpeg socket timeouts are in microseconds
	timeout := strconv.FormatInt(NetworkTimeout.Microseconds(), 10)
	if strings.HasPrefix(input, "rtsp://") || strings.HasPrefix(input, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp", "-timeout", timeout)
	} else if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args, "-rw_timeout", timeout)
	} else if IsDeviceInput(input) {
		args = append(args, "-f", "v4l2")
	} else if realtime && isFileInput(input) {
		args = append(args, "-re")
	}
	args = append(args,
		"-i", input,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(jpegQualityToQScale(quality)),
		"-",
	)
	return args
}

// CaptureFrameJPEG grabs a single JPEG frame from input
func (f *FFmpeg) CaptureFrameJPEG(ctx context.Context, input string, quality int) ([]byte, error) {
	args := StreamArgs(input, false, quality)
	// insert -frames:v 1 ahead of the output marker
	args = append(args[:len(args)-1], "-frames:v", "1", "-")

	var stdout, stderr bytes.Buffer
	cmd := f.BuildCommand(ctx, args)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg capture failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	frameData := stdout.Bytes()
	if len(frameData) == 0 {
		return nil, fmt.Errorf("no frame data captured")
	}
	if _, err := DecodeJPEG(frameData); err != nil {
		return nil, fmt.Errorf("invalid frame data: %w", err)
	}

	return frameData, nil
}

// GetVersion returns the first line of `ffmpeg -version`
func (f *FFmpeg) GetVersion(ctx context.Context) (string, error) {
	output, err := f.BuildCommand(ctx, []string{"-version"}).Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	line, _, _ := strings.Cut(string(output), "\n")
	if line = strings.TrimSpace(line); line != "" {
		return line, nil
	}
	return "unknown", nil
}

// IsDeviceInput reports whether input is a V4L2 capture device
func IsDeviceInput(input string) bool {
	return strings.HasPrefix(input, "/dev/video")
}

func isFileInput(input string) bool {
	return !strings.Contains(input, "://") || strings.HasPrefix(input, "file://")
}

// jpegQualityToQScale maps 1..100 quality onto ffmpeg's mjpeg qscale 31..2
func jpegQualityToQScale(quality int) int {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	q := 31 - (quality*29)/100
	if q < 2 {
		q = 2
	}
	return q
}
