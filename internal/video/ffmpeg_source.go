package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const maxJPEGSize = 16 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ErrJPEGTooLarge is returned when a frame exceeds maxJPEGSize without an end marker
var ErrJPEGTooLarge = errors.New("jpeg frame too large")

// FFmpegSource decodes RTSP, HTTP and file inputs by piping ffmpeg's MJPEG
// output and splitting it on JPEG start/end markers.
type FFmpegSource struct {
	cameraID string
	locator  string
	opts     SourceOptions

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	reader *bufio.Reader
	stderr *bytes.Buffer
	seq    uint64
}

// NewFFmpegSource creates an unopened ffmpeg-backed source
func NewFFmpegSource(cameraID, locator string, opts SourceOptions) *FFmpegSource {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &FFmpegSource{
		cameraID: cameraID,
		locator:  locator,
		opts:     opts,
	}
}

// Open starts the ffmpeg process
func (s *FFmpegSource) Open(ctx context.Context) error {
	ff, err := LookupFFmpeg(s.opts.FFmpegPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	procCtx, cancel := context.WithCancel(ctx)
	cmd := ff.BuildCommand(procCtx, StreamArgs(s.locator, s.opts.Realtime, 0))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return Transient("open", fmt.Errorf("failed to start ffmpeg: %w", err))
	}

	s.cmd = cmd
	s.cancel = cancel
	s.stderr = stderr
	s.reader = bufio.NewReaderSize(stdout, 256<<10)
	return nil
}

// Read returns the next decoded frame
func (s *FFmpegSource) Read(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	if reader == nil {
		return nil, Transient("read", ErrNotOpen)
	}

	data, err := ReadJPEG(reader)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, s.finish()
		}
		return nil, Transient("read", err)
	}

	img, err := DecodeJPEG(data)
	if err != nil {
		return nil, Transient("decode", err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return NewFrame(s.cameraID, img, s.opts.Clock(), seq), nil
}

// finish reaps the process after stdout closed. A clean exit on a file input
// is the end of the stream; anything else is a recoverable fault.
func (s *FFmpegSource) finish() error {
	// take ownership of cmd so a concurrent Close does not Wait on it too
	s.mu.Lock()
	cmd := s.cmd
	stderr := s.stderr
	cancel := s.cancel
	s.cmd = nil
	s.reader = nil
	s.cancel = nil
	s.mu.Unlock()
	if cmd == nil {
		return Transient("read", ErrNotOpen)
	}

	waitErr := cmd.Wait()
	if cancel != nil {
		cancel()
	}

	if waitErr == nil && isFileInput(s.locator) {
		return ErrEndOfStream
	}
	msg := ""
	if stderr != nil {
		msg = strings.TrimSpace(stderr.String())
	}
	if waitErr == nil {
		waitErr = errors.New("stream ended")
	}
	if msg != "" {
		waitErr = fmt.Errorf("%w: %s", waitErr, msg)
	}
	return Transient("read", waitErr)
}

// Close stops the ffmpeg process
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFmpegSource) closeLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cmd != nil {
		cmd := s.cmd
		s.cmd = nil
		// reap in the background; the killed process exits promptly
		go cmd.Wait()
	}
	s.reader = nil
}

// Locator implements Source
func (s *FFmpegSource) Locator() string {
	return s.locator
}

// ReadJPEG reads the next complete JPEG image (SOI through EOI) from r,
// discarding any bytes before the start marker.
func ReadJPEG(r *bufio.Reader) ([]byte, error) {
	if err := skipToSOI(r); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, 64<<10))
	buf.Write(jpegSOI)

	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf.WriteByte(b)
		if prev == jpegEOI[0] && b == jpegEOI[1] {
			return buf.Bytes(), nil
		}
		if buf.Len() > maxJPEGSize {
			return nil, ErrJPEGTooLarge
		}
		prev = b
	}
}

func skipToSOI(r *bufio.Reader) error {
	var prev byte
	first := true
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if !first && prev == jpegSOI[0] && b == jpegSOI[1] {
			return nil
		}
		prev = b
		first = false
	}
}
