// Package probe diagnoses camera sources before they are registered.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/liberrors"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
	"github.com/pion/rtp"

	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/video"
)

const (
	// DefaultTimeout bounds a whole probe
	DefaultTimeout = 10 * time.Second

	// DefaultRTSPPort is added to rtsp URLs without an explicit port
	DefaultRTSPPort = "554"

	rtspScheme = "rtsp://"
)

// CommonPaths lists stream paths used by common camera vendors
var CommonPaths = []string{
	"/Streaming/Channels/101", // Hikvision
	"/cam/realmonitor",        // Dahua
	"/h264",
	"/live",
	"/stream1",
	"/videoMain",
}

// Result describes the outcome of a connection test
type Result struct {
	URL             string   `json:"url"`
	Success         bool     `json:"success"`
	Reachable       bool     `json:"reachable"`
	Authenticated   bool     `json:"authenticated"`
	StreamReceived  bool     `json:"stream_received"`
	Codec           string   `json:"codec"`
	Resolution      string   `json:"resolution"`
	Width           int      `json:"width,omitempty"`
	Height          int      `json:"height,omitempty"`
	HighResolution  bool     `json:"high_resolution"`
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Duration        string   `json:"duration"`
}

func (r *Result) setResolution(width, height int, thresholdW, thresholdH int) {
	if width <= 0 || height <= 0 {
		return
	}
	r.Width, r.Height = width, height
	r.Resolution = fmt.Sprintf("%dx%d", width, height)
	r.HighResolution = video.IsHighResolution(width, height, thresholdW, thresholdH)
}

// Prober runs connection tests
type Prober struct {
	log           *logger.Logger
	sources       video.SourceOptions
	highResWidth  int
	highResHeight int
}

// NewProber creates a prober. Non-RTSP locators are verified by reading one
// frame through a source built with opts.
func NewProber(opts video.SourceOptions, log *logger.Logger) *Prober {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Prober{
		log:           log,
		sources:       opts,
		highResWidth:  1920,
		highResHeight: 1080,
	}
}

// SetHighResolution changes the area above which a stream is flagged high resolution
func (p *Prober) SetHighResolution(width, height int) {
	if width > 0 && height > 0 {
		p.highResWidth, p.highResHeight = width, height
	}
}

// TestStreamConnection tests a locator with a default prober
func TestStreamConnection(ctx context.Context, locator string, timeout time.Duration) Result {
	return NewProber(video.SourceOptions{}, nil).Test(ctx, locator, timeout)
}

// Test probes locator and never returns an error: every fault is reported in
// the result together with recommendations.
func (p *Prober) Test(ctx context.Context, locator string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	normalized, fixes := NormalizeURL(locator)
	res := Result{
		URL:        normalized,
		Codec:      "unknown",
		Resolution: "unknown",
		Errors:     []string{},
		Warnings:   fixes,
	}

	if strings.HasPrefix(normalized, rtspScheme) {
		p.testRTSP(ctx, normalized, timeout, &res)
	} else {
		p.testSource(ctx, normalized, &res)
	}

	res.Success = res.Reachable && res.StreamReceived
	res.Recommendations = recommend(&res)
	res.Duration = time.Since(start).Round(time.Millisecond).String()

	p.log.Info("Stream probe finished",
		"url", redact(normalized),
		"success", res.Success,
		"reachable", res.Reachable,
		"authenticated", res.Authenticated,
		"stream_received", res.StreamReceived,
		"codec", res.Codec,
		"resolution", res.Resolution,
	)
	return res
}

// NormalizeURL fixes the common locator mistakes: a missing rtsp:// scheme on
// a network address and a missing port on an rtsp URL. The applied fixes are
// returned as warnings.
func NormalizeURL(locator string) (string, []string) {
	locator = strings.TrimSpace(locator)
	var fixes []string
	if locator == "" {
		return locator, fixes
	}

	if !strings.Contains(locator, "://") {
		if isLocalInput(locator) {
			return locator, fixes
		}
		locator = rtspScheme + locator
		fixes = append(fixes, "Added missing rtsp:// scheme")
	}

	if !strings.HasPrefix(locator, rtspScheme) {
		return locator, fixes
	}

	u, err := url.Parse(locator)
	if err != nil || u.Host == "" {
		return locator, fixes
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultRTSPPort)
		locator = u.String()
		fixes = append(fixes, "Added default RTSP port 554")
	}
	return locator, fixes
}

func isLocalInput(locator string) bool {
	if strings.HasPrefix(locator, "/") || strings.HasPrefix(locator, ".") {
		return true
	}
	_, err := os.Stat(locator)
	return err == nil
}

func (p *Prober) testSource(ctx context.Context, locator string, res *Result) {
	src, err := video.NewSource("probe", locator, p.sources)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Invalid source: %v", err))
		return
	}

	frame, err := video.Verify(ctx, src)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}

	res.Reachable = true
	res.Authenticated = true
	res.StreamReceived = true
	if strings.HasPrefix(locator, video.SyntheticScheme) {
		res.Codec = "raw"
	} else {
		res.Codec = "mjpeg"
	}
	res.setResolution(frame.Width, frame.Height, p.highResWidth, p.highResHeight)
}

func (p *Prober) testRTSP(ctx context.Context, locator string, timeout time.Duration, res *Result) {
	u, err := base.ParseURL(locator)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Invalid URL format: %v", err))
		return
	}

	// plain TCP first so an unreachable host is told apart from an RTSP fault
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		if isConnectionRefused(err) {
			res.Errors = append(res.Errors, "Connection refused - check if port is correct and open")
		} else {
			res.Errors = append(res.Errors, fmt.Sprintf("Host %s is not reachable: %v", u.Hostname(), err))
		}
		return
	}
	conn.Close()
	res.Reachable = true

	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Failed to connect: %v", err))
		return
	}
	defer client.Close()

	// a blocked DESCRIBE or PLAY is released by closing the client
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	desc, _, err := client.Describe(u)
	if err != nil {
		var status liberrors.ErrClientBadStatusCode
		switch {
		case errors.As(err, &status) && status.Code == base.StatusUnauthorized:
			res.Errors = append(res.Errors, "Authentication failed (401 Unauthorized)")
		case errors.As(err, &status):
			res.Authenticated = true
			res.Errors = append(res.Errors, fmt.Sprintf("Server rejected DESCRIBE: %d %s", status.Code, status.Message))
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("Failed to describe stream: %v", err))
		}
		return
	}
	res.Authenticated = true

	media, forma := findVideo(desc)
	if media == nil {
		res.Errors = append(res.Errors, "No video track found in stream")
		return
	}
	res.Codec = strings.ToLower(forma.Codec())
	if w, h, ok := sequenceResolution(forma); ok {
		res.setResolution(w, h, p.highResWidth, p.highResHeight)
	}

	if _, err := client.Setup(desc.BaseURL, media, 0, 0); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Failed to setup stream: %v", err))
		return
	}

	received := make(chan struct{})
	var once sync.Once
	client.OnPacketRTP(media, forma, func(pkt *rtp.Packet) {
		if len(pkt.Payload) == 0 {
			return
		}
		once.Do(func() { close(received) })
	})

	if _, err := client.Play(nil); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Failed to play stream: %v", err))
		return
	}

	select {
	case <-received:
		res.StreamReceived = true
	case <-ctx.Done():
		res.Errors = append(res.Errors, fmt.Sprintf("No media packets received within %s", timeout))
	}
}

func findVideo(desc *description.Session) (*description.Media, format.Format) {
	for _, media := range desc.Medias {
		if media.Type != description.MediaTypeVideo || len(media.Formats) == 0 {
			continue
		}
		// prefer H.264 when a track offers several formats
		for _, forma := range media.Formats {
			if _, ok := forma.(*format.H264); ok {
				return media, forma
			}
		}
		return media, media.Formats[0]
	}
	return nil, nil
}

// sequenceResolution reads the picture size from the SPS advertised in the SDP
func sequenceResolution(forma format.Format) (int, int, bool) {
	switch f := forma.(type) {
	case *format.H264:
		sps, _ := f.SafeParams()
		if len(sps) == 0 {
			return 0, 0, false
		}
		var s h264.SPS
		if err := s.Unmarshal(sps); err != nil {
			return 0, 0, false
		}
		return s.Width(), s.Height(), true
	case *format.H265:
		_, sps, _ := f.SafeParams()
		if len(sps) == 0 {
			return 0, 0, false
		}
		var s h265.SPS
		if err := s.Unmarshal(sps); err != nil {
			return 0, 0, false
		}
		return s.Width(), s.Height(), true
	}
	return 0, 0, false
}

func isConnectionRefused(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

func recommend(res *Result) []string {
	var out []string
	authFailed := false
	for _, e := range res.Errors {
		if strings.Contains(e, "401") {
			authFailed = true
			break
		}
	}

	if authFailed {
		out = append(out,
			"Check username and password in the RTSP URL",
			"Verify that the user has permission to access this camera",
		)
	}
	if !res.Reachable {
		out = append(out,
			"Verify the camera IP address is correct",
			"Check if the RTSP port (usually 554) is open on the camera",
			"Ensure there are no firewalls blocking the connection",
			"Check if the camera is powered on and connected to the network",
		)
	}
	if res.Reachable && res.Authenticated && !res.StreamReceived {
		out = append(out,
			"The camera may not support the requested stream format",
			"Try a different stream path (e.g. "+strings.Join(CommonPaths[2:], ", ")+")",
		)
	}
	if res.HighResolution {
		out = append(out, fmt.Sprintf("Stream is %s; a lower resolution sub-stream reduces decode load", res.Resolution))
	}
	if !res.Success && len(out) == 0 {
		out = append(out,
			"Try accessing the camera through its web interface to verify it's working",
			"Check the camera's documentation for the correct RTSP URL format",
			"Try restarting the camera",
		)
	}
	return out
}

// redact hides the password in a locator for logging
func redact(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.User == nil {
		return locator
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
