// Package config holds the WFD core's explicit tunable set, loaded
// from a flat key=value file the way pkg/config loaded its
// credentials — enumerated fields, no reflection.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// BitrateMode selects how the video encoder target is held.
type BitrateMode string

const (
	BitrateConstant BitrateMode = "constant"
	BitrateVariable BitrateMode = "variable"
	BitrateAdaptive BitrateMode = "adaptive"
)

// Defaults preserved from the original source's fallback-on-parse-failure
// behavior (spec §9): 5 Mbps video, 128 kbps audio.
const (
	DefaultVideoBitrateBps = 5_000_000
	DefaultAudioBitrateBps = 128_000
)

// Config is the single value passed by reference into every component
// that needs a tunable, replacing the original's scattered property
// strings (persist.sys.wfd.*, media.wfd.*).
type Config struct {
	VideoBitrateBps      int
	AudioBitrateBps      int
	ForceResolutionW     int
	ForceResolutionH     int
	ForceFramerateHz     int
	VideoBitrateMode     BitrateMode
	UsePCMAudio          bool
	UseTCPTransport      bool
	Prefer1080p          bool
	ForceBaselineProfile bool

	// CompatIDRContentLengthQuirk records the wfd_idr_request
	// Content-Length 17-vs-19 workaround setting for the one real device
	// that needs it (spec §9); default off. It is parsed here only:
	// nothing passes it to netsession.SetIDRContentLengthQuirk.
	CompatIDRContentLengthQuirk bool
}

// Default returns a Config with the spec-mandated fallback values.
func Default() *Config {
	return &Config{
		VideoBitrateBps:  DefaultVideoBitrateBps,
		AudioBitrateBps:  DefaultAudioBitrateBps,
		VideoBitrateMode: BitrateAdaptive,
	}
}

// Load reads configuration from a flat key=value file, falling back
// to Default() values field-by-field when a key is missing or fails
// to parse, using the same line-scanning loader shape as pkg/config.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		cfg.applyField(key, value)
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("scan config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyField(key, value string) {
	switch key {
	case "video_bitrate_bps":
		if v, err := strconv.Atoi(value); err == nil {
			c.VideoBitrateBps = v
		}
	case "audio_bitrate_bps":
		if v, err := strconv.Atoi(value); err == nil {
			c.AudioBitrateBps = v
		}
	case "force_resolution_wxh":
		var w, h int
		if n, err := fmt.Sscanf(value, "%dx%d", &w, &h); err == nil && n == 2 {
			c.ForceResolutionW, c.ForceResolutionH = w, h
		}
	case "force_framerate_hz":
		if v, err := strconv.Atoi(value); err == nil {
			c.ForceFramerateHz = v
		}
	case "video_bitrate_mode":
		switch BitrateMode(value) {
		case BitrateConstant, BitrateVariable, BitrateAdaptive:
			c.VideoBitrateMode = BitrateMode(value)
		}
	case "use_pcm_audio":
		c.UsePCMAudio = parseBool(value)
	case "use_tcp_transport":
		c.UseTCPTransport = parseBool(value)
	case "prefer_1080p":
		c.Prefer1080p = parseBool(value)
	case "force_baseline_profile":
		c.ForceBaselineProfile = parseBool(value)
	case "compat_idr_content_length_quirk":
		c.CompatIDRContentLengthQuirk = parseBool(value)
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
