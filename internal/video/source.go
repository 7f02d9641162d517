package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrEndOfStream is returned by Source.Read when a finite source is exhausted
var ErrEndOfStream = io.EOF

// ErrNotOpen is returned when reading from a source that is not open
var ErrNotOpen = errors.New("source not open")

// TransientError marks a recoverable stream fault. The caller is expected to
// close the source and reopen it after a backoff delay.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError for op
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a recoverable stream fault
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Source abstracts a single video stream
type Source interface {
	// Open connects to the stream. Failures are transient unless the
	// locator itself is malformed.
	Open(ctx context.Context) error
	// Read blocks for the next frame. It returns ErrEndOfStream for
	// exhausted finite sources and a *TransientError for recoverable faults.
	Read(ctx context.Context) (*Frame, error)
	Close() error
	Locator() string
}

// SourceOptions configures sources built by NewSource
type SourceOptions struct {
	FFmpegPath string
	// Realtime paces file inputs at their native frame rate
	Realtime bool
	Clock    func() time.Time
}

// NewSource builds a source for a locator. synthetic:// locators produce
// generated frames; everything else (rtsp, http, files) goes through ffmpeg.
func NewSource(cameraID, locator string, opts SourceOptions) (Source, error) {
	if locator == "" {
		return nil, fmt.Errorf("empty source locator")
	}
	if strings.HasPrefix(locator, SyntheticScheme) {
		src, err := ParseSynthetic(cameraID, locator, opts.Clock)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return NewFFmpegSource(cameraID, locator, opts), nil
}

// IsHighResolution reports whether width x height exceeds the threshold area
func IsHighResolution(width, height, thresholdWidth, thresholdHeight int) bool {
	return width*height > thresholdWidth*thresholdHeight
}

// Verify opens a source and reads one frame from it, returning that frame.
// Used to reject cameras whose source cannot be opened at registration time.
func Verify(ctx context.Context, src Source) (*Frame, error) {
	if err := src.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src.Locator(), err)
	}
	defer src.Close()

	frame, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read first frame from %s: %w", src.Locator(), err)
	}
	return frame, nil
}
