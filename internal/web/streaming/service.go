// Package streaming serves the latest processed frame of each camera as
// single JPEGs and MJPEG streams.
package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vzahanych/storeguard/internal/logger"
)

// DefaultInterval polls for new frames at roughly 10 fps
const DefaultInterval = 100 * time.Millisecond

// ErrNoFrame is returned when a camera has not processed a frame yet
var ErrNoFrame = errors.New("no frame available")

// FrameSource returns the JPEG of the latest processed frame of a camera
type FrameSource interface {
	GetLatestFrame(cameraID string) ([]byte, bool)
}

// Service fans camera frames out to HTTP viewers
type Service struct {
	logger   *logger.Logger
	frames   FrameSource
	interval time.Duration

	mu      sync.Mutex
	viewers map[string]int
}

// NewService creates a streaming service polling frames every interval
func NewService(frames FrameSource, interval time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		logger:   log,
		frames:   frames,
		interval: interval,
		viewers:  make(map[string]int),
	}
}

// GetFrame returns the latest frame of a camera
func (s *Service) GetFrame(cameraID string) ([]byte, error) {
	data, ok := s.frames.GetLatestFrame(cameraID)
	if !ok {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrNoFrame)
	}
	return data, nil
}

// Viewers returns the number of open streams of a camera
func (s *Service) Viewers(cameraID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers[cameraID]
}

// Stream emits every new frame of a camera until ctx is done. The channel
// is closed when the stream ends.
func (s *Service) Stream(ctx context.Context, cameraID string) <-chan []byte {
	out := make(chan []byte, 1)

	s.mu.Lock()
	s.viewers[cameraID]++
	s.mu.Unlock()
	s.logger.Info("Started MJPEG stream", "camera_id", cameraID)

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			if s.viewers[cameraID]--; s.viewers[cameraID] <= 0 {
				delete(s.viewers, cameraID)
			}
			s.mu.Unlock()
			s.logger.Info("Stopped MJPEG stream", "camera_id", cameraID)
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		var last []byte
		for {
			if frame, ok := s.frames.GetLatestFrame(cameraID); ok && !bytes.Equal(frame, last) {
				last = frame
				// drop the pending frame for a slow viewer
				select {
				case <-out:
				default:
				}
				out <- frame
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// WritePart writes one frame of a multipart/x-mixed-replace stream
func WritePart(w io.Writer, boundary string, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
