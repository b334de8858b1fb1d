// Package wfdparams implements the text/parameters body grammar (spec
// §6): a newline-separated name:value dictionary, the wfd_video_formats
// fixed-width hex grammar, best-common-format negotiation, and
// wfd_content_protection parsing.
package wfdparams

import (
	"fmt"
	"strconv"
	"strings"
)

// Dict is a case-insensitive name -> value dictionary parsed from a
// text/parameters response body.
type Dict map[string]string

// ParseDict parses a newline-separated "name: value" body, case folding
// keys to lowercase so lookups are case-insensitive per spec §3.
func ParseDict(body []byte) Dict {
	d := make(Dict)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		d[key] = val
	}
	return d
}

// Encode renders the dictionary back into a text/parameters body in a
// stable key order for deterministic wire output.
func (d Dict) Encode(order []string) []byte {
	var b strings.Builder
	for _, k := range order {
		v, ok := d[k]
		if !ok {
			continue
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// VideoFormats is the parsed wfd_video_formats value (spec §6):
// native index/pref-mode, profile/level, the three 32-bit enablement
// masks, and the trailing latency/slice/framerate/max-res fields.
type VideoFormats struct {
	Native      int
	PreferredDisplayMode int
	Profile     int
	Level       int
	CEAMask     uint32
	VESAMask    uint32
	HHMask      uint32
	Latency     int
	MinSliceSize int
	SliceEncParams int
	FramerateCtrl int
	MaxHRes     int
	MaxVRes     int
}

// ParseVideoFormats parses the fixed-width hex, space-separated
// wfd_video_formats grammar from spec §6. A value of "none" for the
// trailing hres/vres fields is treated as 0 (unset).
func ParseVideoFormats(value string) (*VideoFormats, error) {
	fields := strings.Fields(value)
	if len(fields) < 13 {
		return nil, fmt.Errorf("wfd_video_formats: expected 13 fields, got %d", len(fields))
	}

	hex := func(i int) (int64, error) { return strconv.ParseInt(fields[i], 16, 64) }

	nativeModes, err := hex(0)
	if err != nil {
		return nil, fmt.Errorf("wfd_video_formats native field: %w", err)
	}
	prefMode, err := hex(1)
	if err != nil {
		return nil, fmt.Errorf("wfd_video_formats pref-mode field: %w", err)
	}
	profile, err := hex(2)
	if err != nil {
		return nil, fmt.Errorf("wfd_video_formats profile field: %w", err)
	}
	level, err := hex(3)
	if err != nil {
		return nil, fmt.Errorf("wfd_video_formats level field: %w", err)
	}
	cea, err := hex(4)
	if err != nil {
		return nil, fmt.Errorf("wfd_video_formats CEA mask: %w", err)
	}
	vesa, err := hex(5)
	if err != nil {
		return nil, fmt.Errorf("wfd_video_formats VESA mask: %w", err)
	}
	hh, err := hex(6)
	if err != nil {
		return nil, fmt.Errorf("wfd_video_formats HH mask: %w", err)
	}
	latency, _ := hex(7)
	minSlice, _ := hex(8)
	sliceEnc, _ := hex(9)
	framerateCtrl, _ := hex(10)
	maxHRes := parseNoneableHex(fields[11])
	maxVRes := parseNoneableHex(fields[12])

	return &VideoFormats{
		Native:               int(nativeModes & 0xF),
		PreferredDisplayMode: int(prefMode),
		Profile:              int(profile),
		Level:                int(level),
		CEAMask:              uint32(cea),
		VESAMask:             uint32(vesa),
		HHMask:               uint32(hh),
		Latency:              int(latency),
		MinSliceSize:         int(minSlice),
		SliceEncParams:       int(sliceEnc),
		FramerateCtrl:        int(framerateCtrl),
		MaxHRes:              maxHRes,
		MaxVRes:              maxVRes,
	}, nil
}

func parseNoneableHex(s string) int {
	if strings.EqualFold(s, "none") {
		return 0
	}
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0
	}
	return int(v)
}

// Encode renders the VideoFormats back to the wire grammar.
func (v *VideoFormats) Encode() string {
	hres, vres := "none", "none"
	if v.MaxHRes != 0 {
		hres = fmt.Sprintf("%04x", v.MaxHRes)
	}
	if v.MaxVRes != 0 {
		vres = fmt.Sprintf("%04x", v.MaxVRes)
	}
	return fmt.Sprintf("%02x %02x %02x %02x %08x %08x %08x %02x %04x %04x %02x %s %s",
		v.Native, v.PreferredDisplayMode, v.Profile, v.Level,
		v.CEAMask, v.VESAMask, v.HHMask, v.Latency, v.MinSliceSize,
		v.SliceEncParams, v.FramerateCtrl, hres, vres)
}

// ChosenFormat is the outcome of best-common-format negotiation.
type ChosenFormat struct {
	Class      ResolutionClass
	Index      int
	Resolution Resolution
	Profile    int
	Level      int
}

// score implements width*height*fps*(interlaced?1:2) from spec §4.2.
func score(r Resolution) int {
	mult := 2
	if r.Interlaced {
		mult = 1
	}
	return r.Width * r.Height * r.FPS * mult
}

// BestCommonFormat maximizes score over formats enabled by both peers'
// masks (intersected per class) and then intersects profile/level
// downward (spec §4.2).
func BestCommonFormat(a, b *VideoFormats) (*ChosenFormat, bool) {
	classes := []struct {
		class ResolutionClass
		am, bm uint32
	}{
		{ClassCEA, a.CEAMask, b.CEAMask},
		{ClassVESA, a.VESAMask, b.VESAMask},
		{ClassHH, a.HHMask, b.HHMask},
	}

	var best *ChosenFormat
	bestScore := -1

	for _, c := range classes {
		common := c.am & c.bm
		table := tableFor(c.class)
		for i := 0; i < 32 && i < len(table); i++ {
			if common&(1<<uint(i)) == 0 {
				continue
			}
			s := score(table[i])
			if s > bestScore {
				bestScore = s
				best = &ChosenFormat{Class: c.class, Index: i, Resolution: table[i]}
			}
		}
	}

	if best == nil {
		return nil, false
	}

	best.Profile = minInt(a.Profile, b.Profile)
	best.Level = minInt(a.Level, b.Level)
	return best, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ContentProtection is the parsed wfd_content_protection value.
type ContentProtection struct {
	Enabled bool
	Version string // "HDCP2.0" or "HDCP2.1"
	Port    int
}

// ParseContentProtection parses "HDCP2.0 port=<n>" / "HDCP2.1 port=<n>" / "none".
func ParseContentProtection(value string) (*ContentProtection, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "none") {
		return &ContentProtection{Enabled: false}, nil
	}
	fields := strings.Fields(value)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "port=") {
		return nil, fmt.Errorf("malformed wfd_content_protection: %q", value)
	}
	port, err := strconv.Atoi(strings.TrimPrefix(fields[1], "port="))
	if err != nil {
		return nil, fmt.Errorf("malformed wfd_content_protection port: %w", err)
	}
	return &ContentProtection{Enabled: true, Version: fields[0], Port: port}, nil
}

// ClientRTPPorts is the parsed wfd_client_rtp_ports value.
type ClientRTPPorts struct {
	Mode  string // e.g. "RTP/AVP/UDP;unicast"
	Port0 int
	Port1 int
}

// ParseClientRTPPorts parses "<mode> <port0> <port1>".
func ParseClientRTPPorts(value string) (*ClientRTPPorts, error) {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed wfd_client_rtp_ports: %q", value)
	}
	p0, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed wfd_client_rtp_ports port0: %w", err)
	}
	p1, _ := strconv.Atoi(fields[2])
	return &ClientRTPPorts{Mode: fields[0], Port0: p0, Port1: p1}, nil
}
