package video

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SyntheticScheme prefixes locators of generated streams,
// e.g. synthetic://640x360?frames=10&persons=1&fps=10
const SyntheticScheme = "synthetic://"

var backgroundColor = color.RGBA{R: 90, G: 90, B: 90, A: 255}

// MarkerColor returns the fill colour used for synthetic person i. Marker
// colours have R=255 and G=0 so they never collide with the background.
func MarkerColor(i int) color.RGBA {
	return color.RGBA{R: 255, G: 0, B: uint8(i * 16 % 256), A: 255}
}

// MarkerIndex reports which synthetic person a colour belongs to
func MarkerIndex(c color.RGBA) (int, bool) {
	if c.R != 255 || c.G != 0 || c.B%16 != 0 {
		return 0, false
	}
	return int(c.B / 16), true
}

// ScriptedPerson is a rectangle moving at a constant velocity
type ScriptedPerson struct {
	Start  image.Rectangle
	DX, DY int // pixels per frame
}

// SyntheticSource generates frames with scripted moving people. It backs the
// synthetic:// locator and end-to-end tests.
type SyntheticSource struct {
	cameraID string
	locator  string
	width    int
	height   int
	frames   int // 0 means endless
	interval time.Duration
	persons  []ScriptedPerson
	clock    func() time.Time

	mu   sync.Mutex
	open bool
	seq  uint64
}

// SyntheticConfig configures a SyntheticSource
type SyntheticConfig struct {
	Width    int
	Height   int
	Frames   int
	FPS      float64
	Persons  []ScriptedPerson
	Clock    func() time.Time
	Locator  string
	CameraID string
}

// NewSyntheticSource creates a generated source
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 360
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Locator == "" {
		cfg.Locator = fmt.Sprintf("%s%dx%d?frames=%d", SyntheticScheme, cfg.Width, cfg.Height, cfg.Frames)
	}
	var interval time.Duration
	if cfg.FPS > 0 {
		interval = time.Duration(float64(time.Second) / cfg.FPS)
	}
	return &SyntheticSource{
		cameraID: cfg.CameraID,
		locator:  cfg.Locator,
		width:    cfg.Width,
		height:   cfg.Height,
		frames:   cfg.Frames,
		interval: interval,
		persons:  cfg.Persons,
		clock:    cfg.Clock,
	}
}

// ParseSynthetic builds a SyntheticSource from a synthetic:// locator.
// Query parameters: frames, fps, persons, speed.
func ParseSynthetic(cameraID, locator string, clock func() time.Time) (*SyntheticSource, error) {
	rest := strings.TrimPrefix(locator, SyntheticScheme)
	sizePart, query, _ := strings.Cut(rest, "?")

	width, height := 640, 360
	if sizePart != "" {
		ws, hs, ok := strings.Cut(sizePart, "x")
		if !ok {
			return nil, fmt.Errorf("invalid synthetic size %q", sizePart)
		}
		var err error
		if width, err = strconv.Atoi(ws); err != nil || width <= 0 {
			return nil, fmt.Errorf("invalid synthetic width %q", ws)
		}
		if height, err = strconv.Atoi(hs); err != nil || height <= 0 {
			return nil, fmt.Errorf("invalid synthetic height %q", hs)
		}
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid synthetic query: %w", err)
	}

	intParam := func(name string, def int) (int, error) {
		raw := values.Get(name)
		if raw == "" {
			return def, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid synthetic %s %q", name, raw)
		}
		return v, nil
	}

	frames, err := intParam("frames", 0)
	if err != nil {
		return nil, err
	}
	count, err := intParam("persons", 1)
	if err != nil {
		return nil, err
	}
	speed, err := intParam("speed", 2)
	if err != nil {
		return nil, err
	}
	var fps float64
	if raw := values.Get("fps"); raw != "" {
		if fps, err = strconv.ParseFloat(raw, 64); err != nil || fps < 0 {
			return nil, fmt.Errorf("invalid synthetic fps %q", raw)
		}
	}

	return NewSyntheticSource(SyntheticConfig{
		Width:    width,
		Height:   height,
		Frames:   frames,
		FPS:      fps,
		Persons:  DefaultPersons(width, height, count, speed),
		Clock:    clock,
		Locator:  locator,
		CameraID: cameraID,
	}), nil
}

// DefaultPersons lays out count people side by side, walking right at speed
func DefaultPersons(width, height, count, speed int) []ScriptedPerson {
	persons := make([]ScriptedPerson, 0, count)
	boxW := width / 12
	boxH := height * 2 / 5
	for i := 0; i < count; i++ {
		x := width/20 + i*(boxW*2)
		y := height / 3
		persons = append(persons, ScriptedPerson{
			Start: image.Rect(x, y, x+boxW, y+boxH),
			DX:    speed,
		})
	}
	return persons
}

// Open implements Source
func (s *SyntheticSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

// Read implements Source
func (s *SyntheticSource) Read(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, Transient("read", ErrNotOpen)
	}
	if s.frames > 0 && s.seq >= uint64(s.frames) {
		s.mu.Unlock()
		return nil, ErrEndOfStream
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if s.interval > 0 && seq > 1 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.interval):
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: backgroundColor}, image.Point{}, draw.Src)
	for i, box := range s.BoxesAt(seq) {
		draw.Draw(img, box, &image.Uniform{C: MarkerColor(i)}, image.Point{}, draw.Src)
	}

	return NewFrame(s.cameraID, img, s.clock(), seq), nil
}

// BoxesAt returns the clipped person rectangles drawn in frame seq
func (s *SyntheticSource) BoxesAt(seq uint64) []image.Rectangle {
	bounds := image.Rect(0, 0, s.width, s.height)
	boxes := make([]image.Rectangle, len(s.persons))
	step := int(seq) - 1
	for i, p := range s.persons {
		boxes[i] = p.Start.Add(image.Pt(p.DX*step, p.DY*step)).Intersect(bounds)
	}
	return boxes
}

// Close implements Source
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// Locator implements Source
func (s *SyntheticSource) Locator() string {
	return s.locator
}
