package camera

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/probe"
)

const (
	wsDiscoveryAddr = "239.255.255.250:3702"

	// DefaultDiscoveryWait is how long ONVIF probe matches are collected
	DefaultDiscoveryWait = 3 * time.Second
)

// CandidateKind tells how a discovered camera is attached
type CandidateKind string

const (
	CandidateONVIF CandidateKind = "onvif"
	CandidateUSB   CandidateKind = "usb"
)

// Candidate is a camera found on the network or the local bus. Locators are
// suggestions to feed into the probe before registering.
type Candidate struct {
	ID           string        `json:"id"`
	Kind         CandidateKind `json:"kind"`
	Address      string        `json:"address"`
	Model        string        `json:"model"`
	Manufacturer string        `json:"manufacturer"`
	Locators     []string      `json:"locators"`
}

// Discoverer finds ONVIF cameras by WS-Discovery and V4L2 capture devices
type Discoverer struct {
	log    *logger.Logger
	devDir string
	sysDir string
	wait   time.Duration
}

// NewDiscoverer creates a discoverer scanning /dev for capture devices
func NewDiscoverer(log *logger.Logger) *Discoverer {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Discoverer{
		log:    log.With("component", "discovery"),
		devDir: "/dev",
		sysDir: "/sys/class/video4linux",
		wait:   DefaultDiscoveryWait,
	}
}

// Discover runs both scans. An ONVIF failure is logged and does not hide
// local devices.
func (d *Discoverer) Discover(ctx context.Context) ([]Candidate, error) {
	usb, err := d.DiscoverUSB()
	if err != nil {
		return nil, err
	}
	onvif, err := d.DiscoverONVIF(ctx)
	if err != nil {
		d.log.Warn("ONVIF discovery failed", "error", err)
	}
	out := append(usb, onvif...)
	d.log.Info("Camera discovery complete", "usb", len(usb), "onvif", len(onvif))
	return out, nil
}

// DiscoverUSB lists V4L2 character devices
func (d *Discoverer) DiscoverUSB() ([]Candidate, error) {
	matches, err := filepath.Glob(filepath.Join(d.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob video devices: %w", err)
	}
	sort.Strings(matches)

	var out []Candidate
	for _, dev := range matches {
		info, err := os.Stat(dev)
		if err != nil || info.Mode()&os.ModeCharDevice == 0 {
			continue
		}
		name := filepath.Base(dev)
		c := Candidate{
			ID:           "usb-" + name,
			Kind:         CandidateUSB,
			Address:      dev,
			Model:        "USB Camera",
			Manufacturer: "Unknown",
			Locators:     []string{dev},
		}
		if model, err := os.ReadFile(filepath.Join(d.sysDir, name, "name")); err == nil {
			c.Model = strings.TrimSpace(string(model))
		}
		if driver, card, ok := v4l2Info(dev); ok {
			c.Model = card
			if strings.Contains(strings.ToLower(driver), "uvc") {
				c.Manufacturer = "UVC"
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// v4l2Info reads the driver and card names with v4l2-ctl when it is installed
func v4l2Info(dev string) (driver, card string, ok bool) {
	if _, err := exec.LookPath("v4l2-ctl"); err != nil {
		return "", "", false
	}
	out, err := exec.Command("v4l2-ctl", "--device", dev, "--info").Output()
	if err != nil {
		return "", "", false
	}
	return parseV4L2Info(string(out))
}

func parseV4L2Info(out string) (driver, card string, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		k, v, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(k) {
		case "Driver name":
			driver = strings.TrimSpace(v)
		case "Card type":
			card = strings.TrimSpace(v)
		}
	}
	return driver, card, card != ""
}

// DiscoverONVIF multicasts a WS-Discovery probe for network video
// transmitters and collects the matches until the wait elapses.
func (d *Discoverer) DiscoverONVIF(ctx context.Context) ([]Candidate, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}
	defer conn.Close()

	addr, err := net.ResolveUDPAddr("udp4", wsDiscoveryAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast address: %w", err)
	}
	if _, err := conn.WriteTo(probeMessage(uuid.NewString()), addr); err != nil {
		return nil, fmt.Errorf("failed to send probe: %w", err)
	}

	deadline := time.Now().Add(d.wait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[string]bool)
	var out []Candidate
	buf := make([]byte, 8192)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return out, fmt.Errorf("failed to read probe match: %w", err)
		}
		matches, err := ParseProbeMatches(buf[:n])
		if err != nil {
			d.log.Debug("Ignoring malformed probe match", "from", from.String(), "error", err)
			continue
		}
		for _, c := range matches {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func probeMessage(id string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing" xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery" xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
	<s:Header>
		<a:Action s:mustUnderstand="1">http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>
		<a:MessageID>uuid:` + id + `</a:MessageID>
		<a:To s:mustUnderstand="1">urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>
	</s:Header>
	<s:Body>
		<d:Probe>
			<d:Types>dn:NetworkVideoTransmitter</d:Types>
		</d:Probe>
	</s:Body>
</s:Envelope>`)
}

type probeEnvelope struct {
	Matches []struct {
		XAddrs string `xml:"XAddrs"`
		Scopes string `xml:"Scopes"`
	} `xml:"Body>ProbeMatches>ProbeMatch"`
}

// ParseProbeMatches decodes a WS-Discovery ProbeMatches envelope
func ParseProbeMatches(data []byte) ([]Candidate, error) {
	var env probeEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode probe match: %w", err)
	}

	var out []Candidate
	for _, m := range env.Matches {
		xaddrs := strings.Fields(m.XAddrs)
		if len(xaddrs) == 0 {
			continue
		}
		u, err := url.Parse(xaddrs[0])
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := u.Hostname()
		c := Candidate{
			ID:           "onvif-" + host,
			Kind:         CandidateONVIF,
			Address:      xaddrs[0],
			Model:        "Unknown",
			Manufacturer: "Unknown",
		}
		for _, scope := range strings.Fields(m.Scopes) {
			switch {
			case strings.Contains(scope, "/hardware/"):
				c.Model = scopeValue(scope)
			case strings.Contains(scope, "/name/"):
				c.Manufacturer = scopeValue(scope)
			}
		}
		for _, path := range probe.CommonPaths {
			c.Locators = append(c.Locators, "rtsp://"+net.JoinHostPort(host, probe.DefaultRTSPPort)+path)
		}
		out = append(out, c)
	}
	return out, nil
}

func scopeValue(scope string) string {
	v := scope[strings.LastIndex(scope, "/")+1:]
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}
