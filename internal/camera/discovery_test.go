package camera

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeMatchXML = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope" xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery">
  <SOAP-ENV:Body>
    <d:ProbeMatches>
      <d:ProbeMatch>
        <d:Types>dn:NetworkVideoTransmitter</d:Types>
        <d:Scopes>onvif://www.onvif.org/type/video_encoder onvif://www.onvif.org/hardware/DS-2CD2043 onvif://www.onvif.org/name/HIKVISION%20Store</d:Scopes>
        <d:XAddrs>http://192.168.1.64/onvif/device_service http://[fe80::1]/onvif/device_service</d:XAddrs>
      </d:ProbeMatch>
      <d:ProbeMatch>
        <d:XAddrs></d:XAddrs>
      </d:ProbeMatch>
    </d:ProbeMatches>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func TestParseProbeMatches(t *testing.T) {
	got, err := ParseProbeMatches([]byte(probeMatchXML))
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, "onvif-192.168.1.64", c.ID)
	assert.Equal(t, CandidateONVIF, c.Kind)
	assert.Equal(t, "http://192.168.1.64/onvif/device_service", c.Address)
	assert.Equal(t, "DS-2CD2043", c.Model)
	assert.Equal(t, "HIKVISION Store", c.Manufacturer)
	require.NotEmpty(t, c.Locators)
	assert.Equal(t, "rtsp://192.168.1.64:554/Streaming/Channels/101", c.Locators[0])
}

func TestParseProbeMatches_Malformed(t *testing.T) {
	_, err := ParseProbeMatches([]byte("<not-closed"))
	assert.Error(t, err)
}

func TestDiscoverUSB_SkipsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video0"), nil, 0o644))

	d := NewDiscoverer(nil)
	d.devDir = dir
	d.sysDir = filepath.Join(dir, "sys")

	got, err := d.DiscoverUSB()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseV4L2Info(t *testing.T) {
	out := `Driver Info:
	Driver name      : uvcvideo
	Card type        : HD Pro Webcam C920
	Bus info         : usb-0000:00:14.0-1
`
	driver, card, ok := parseV4L2Info(out)
	require.True(t, ok)
	assert.Equal(t, "uvcvideo", driver)
	assert.Equal(t, "HD Pro Webcam C920", card)

	_, _, ok = parseV4L2Info("no info")
	assert.False(t, ok)
}
