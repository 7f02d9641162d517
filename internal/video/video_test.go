package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"
)

func TestBackoff_GrowthAndCap(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second, 1.5)

	want := []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
		7593750 * time.Microsecond,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("failure %d: expected %v, got %v", i+1, w, got)
		}
	}
	if b.Failures() != len(want) {
		t.Errorf("Expected %d failures, got %d", len(want), b.Failures())
	}
}

func TestBackoff_FiveFailuresStayUnderCap(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second, 1.5)
	for i := 0; i < 5; i++ {
		if d := b.Next(); d > 10*time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Expected 1s after reset, got %v", got)
	}
}

func TestFrameBuffer_DropsOldest(t *testing.T) {
	buf := NewFrameBuffer(3)
	for i := 1; i <= 5; i++ {
		buf.Push(&Frame{Seq: uint64(i)})
	}

	if buf.Len() != 3 {
		t.Fatalf("Expected 3 buffered frames, got %d", buf.Len())
	}
	if buf.Dropped() != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", buf.Dropped())
	}

	for _, want := range []uint64{3, 4, 5} {
		f := <-buf.Frames()
		if f.Seq != want {
			t.Errorf("Expected seq %d, got %d", want, f.Seq)
		}
	}
}

func TestFrameBuffer_CapacityClamped(t *testing.T) {
	if c := NewFrameBuffer(1).Cap(); c != MinBufferSize {
		t.Errorf("Expected capacity %d, got %d", MinBufferSize, c)
	}
	if c := NewFrameBuffer(50).Cap(); c != MaxBufferSize {
		t.Errorf("Expected capacity %d, got %d", MaxBufferSize, c)
	}
}

func TestFrameBuffer_Close(t *testing.T) {
	buf := NewFrameBuffer(3)
	buf.Push(&Frame{Seq: 1})
	buf.Close()
	buf.Close()

	if buf.Push(&Frame{Seq: 2}) {
		t.Error("Push after close should not report a drop")
	}

	var got []uint64
	for f := range buf.Frames() {
		got = append(got, f.Seq)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected buffered frame to drain after close, got %v", got)
	}
}

func TestFrame_Downsample(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	f := NewFrame("A", img, time.Now(), 1)

	small := f.Downsample(640, 360)
	if small.Width != 640 || small.Height != 360 {
		t.Errorf("Expected 640x360, got %dx%d", small.Width, small.Height)
	}
	if f.Width != 1920 {
		t.Error("Downsample must not modify the original frame")
	}

	if same := small.Downsample(640, 360); same != small {
		t.Error("Frame within bounds should be returned unchanged")
	}

	tall := NewFrame("A", image.NewRGBA(image.Rect(0, 0, 400, 800)), time.Now(), 1).Downsample(640, 360)
	if tall.Height != 360 || tall.Width != 180 {
		t.Errorf("Expected aspect-preserving 180x360, got %dx%d", tall.Width, tall.Height)
	}
}

func TestCrop_PaddingClamped(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))

	out, err := Crop(img, image.Rect(10, 10, 60, 60), 50)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 110 || b.Dy() != 100 {
		t.Errorf("Expected 110x100 crop, got %dx%d", b.Dx(), b.Dy())
	}

	if _, err := Crop(img, image.Rect(500, 500, 600, 600), 0); err == nil {
		t.Error("Expected error for crop outside bounds")
	}
}

func TestReadJPEG_SplitsStream(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	one, err := EncodeJPEG(img, 80)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}

	var stream bytes.Buffer
	stream.WriteString("garbage")
	stream.Write(one)
	stream.Write(one)
	stream.Write(one[:len(one)/2])

	r := bufio.NewReader(&stream)
	for i := 0; i < 2; i++ {
		data, err := ReadJPEG(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(data, one) {
			t.Fatalf("frame %d: bytes differ from encoded image", i)
		}
		if _, err := DecodeJPEG(data); err != nil {
			t.Fatalf("frame %d does not decode: %v", i, err)
		}
	}

	if _, err := ReadJPEG(r); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF for truncated frame, got %v", err)
	}
	if _, err := ReadJPEG(bufio.NewReader(&bytes.Buffer{})); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF for empty stream, got %v", err)
	}
}

func TestStreamArgs(t *testing.T) {
	args := StreamArgs("rtsp://cam/stream", true, 85)
	if !containsSeq(args, "-rtsp_transport", "tcp") {
		t.Errorf("RTSP input should force tcp transport: %v", args)
	}
	if containsSeq(args, "-re") {
		t.Errorf("Network input should not be paced: %v", args)
	}
	if !containsSeq(args, "-timeout", "10000000") {
		t.Errorf("RTSP input should bound socket waits: %v", args)
	}

	args = StreamArgs("http://cam/mjpeg", false, 85)
	if !containsSeq(args, "-rw_timeout", "10000000") {
		t.Errorf("HTTP input should bound socket waits: %v", args)
	}

	args = StreamArgs("/videos/store.mp4", true, 85)
	if !containsSeq(args, "-re") {
		t.Errorf("Realtime file input should be paced: %v", args)
	}
	if containsSeq(args, "-rw_timeout") || containsSeq(args, "-timeout") {
		t.Errorf("File input needs no socket timeout: %v", args)
	}
	if args[len(args)-1] != "-" {
		t.Errorf("Output should go to stdout: %v", args)
	}

	args = StreamArgs("/dev/video0", true, 85)
	if !containsSeq(args, "-f", "v4l2") {
		t.Errorf("Capture device should use the v4l2 demuxer: %v", args)
	}
	if containsSeq(args, "-re") {
		t.Errorf("Capture device should not be paced: %v", args)
	}
}

func TestSyntheticSource_Frames(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	src, err := ParseSynthetic("A", "synthetic://320x180?frames=3&persons=2&speed=5", func() time.Time { return base })
	if err != nil {
		t.Fatalf("ParseSynthetic failed: %v", err)
	}

	ctx := context.Background()
	if _, err := src.Read(ctx); !IsTransient(err) {
		t.Errorf("Read before Open should be transient, got %v", err)
	}
	if err := src.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		f, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if f.Seq != uint64(i) || f.CameraID != "A" || f.Width != 320 || f.Height != 180 {
			t.Errorf("Unexpected frame %+v", f)
		}

		boxes := src.BoxesAt(f.Seq)
		if len(boxes) != 2 {
			t.Fatalf("Expected 2 boxes, got %d", len(boxes))
		}
		center := image.Pt((boxes[1].Min.X+boxes[1].Max.X)/2, (boxes[1].Min.Y+boxes[1].Max.Y)/2)
		c := color.RGBAModel.Convert(f.Image.At(center.X, center.Y)).(color.RGBA)
		if idx, ok := MarkerIndex(c); !ok || idx != 1 {
			t.Errorf("Expected marker 1 at %v, got %v", center, c)
		}
	}

	if _, err := src.Read(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Expected end of stream, got %v", err)
	}
}

func TestParseSynthetic_Invalid(t *testing.T) {
	for _, locator := range []string{
		"synthetic://abc",
		"synthetic://10x?frames=1",
		"synthetic://640x360?frames=-1",
		"synthetic://640x360?fps=x",
	} {
		if _, err := ParseSynthetic("A", locator, nil); err == nil {
			t.Errorf("Expected error for %s", locator)
		}
	}
}

func TestVerify(t *testing.T) {
	src := NewSyntheticSource(SyntheticConfig{Frames: 1, CameraID: "A"})
	f, err := Verify(context.Background(), src)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if f.Seq != 1 {
		t.Errorf("Expected first frame, got seq %d", f.Seq)
	}

	empty := NewSyntheticSource(SyntheticConfig{Frames: 1})
	_ = empty.Open(context.Background())
	_, _ = empty.Read(context.Background())
	if _, err := Verify(context.Background(), empty); err == nil {
		t.Error("Expected error when no frame can be read")
	}
}

func TestNewSource_Dispatch(t *testing.T) {
	src, err := NewSource("A", "synthetic://64x64?frames=1", SourceOptions{})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	if _, ok := src.(*SyntheticSource); !ok {
		t.Errorf("Expected synthetic source, got %T", src)
	}

	src, err = NewSource("A", "rtsp://10.0.0.1/live", SourceOptions{})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	if _, ok := src.(*FFmpegSource); !ok {
		t.Errorf("Expected ffmpeg source, got %T", src)
	}

	if _, err := NewSource("A", "", SourceOptions{}); err == nil {
		t.Error("Expected error for empty locator")
	}
}

func TestIsTransient(t *testing.T) {
	err := Transient("read", io.ErrClosedPipe)
	if !IsTransient(err) || !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Transient wrapping broken: %v", err)
	}
	if IsTransient(io.EOF) || Transient("x", nil) != nil {
		t.Error("Plain errors are not transient")
	}
}

func containsSeq(args []string, seq ...string) bool {
	for i := 0; i+len(seq) <= len(args); i++ {
		match := true
		for j, s := range seq {
			if args[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
