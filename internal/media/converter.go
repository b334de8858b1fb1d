package media

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConverterFlags configures a Converter (spec §4.3).
type ConverterFlags uint32

const (
	FlagUseSurfaceInput ConverterFlags = 1 << iota
	FlagPrependCSDIfNecessary
)

// Converter wraps an encoder (or, for raw LPCM, groups samples
// directly with no encoder at all). It prefixes codec-specific data
// on the first buffer and, when FlagPrependCSDIfNecessary is set, on
// every IDR frame.
type Converter struct {
	mu sync.Mutex

	flags ConverterFlags
	csd   []byte
	first bool

	videoBitrateBps atomic.Int64
	suspended       atomic.Bool

	silenceSince time.Time
	silent       bool

	OnEvent func(Event)
}

// NewConverter creates a converter. initialCSD may be nil for tracks
// without codec-specific data (e.g. raw LPCM).
func NewConverter(flags ConverterFlags, initialCSD []byte) *Converter {
	c := &Converter{flags: flags, csd: initialCSD, first: true}
	c.videoBitrateBps.Store(0)
	return c
}

// SetCSD installs (or replaces) the cached codec-specific data, used
// by encoders that report SPS/PPS out of band.
func (c *Converter) SetCSD(csd []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csd = csd
}

// Push accepts one raw access unit and emits the resulting encoded
// access unit, applying CSD prefixing and silence detection. With
// FlagUseSurfaceInput set, Push drops every access unit: a
// surface-input converter takes no raw input.
func (c *Converter) Push(au AccessUnit) {
	if c.suspended.Load() {
		return
	}

	c.mu.Lock()
	if c.flags&FlagUseSurfaceInput != 0 {
		c.mu.Unlock()
		return
	}
	needsCSD := c.first || (c.flags&FlagPrependCSDIfNecessary != 0 && au.IsKeyframe)
	c.first = false
	csd := c.csd
	c.mu.Unlock()

	if needsCSD && len(csd) > 0 && !au.IsCodecConfig {
		combined := make([]byte, 0, len(csd)+len(au.Data))
		combined = append(combined, csd...)
		combined = append(combined, au.Data...)
		au.Data = combined
	}

	if c.updateSilence(au) {
		return
	}

	if c.OnEvent != nil {
		c.OnEvent(Event{Kind: EventAccessUnit, AU: au})
	}
}

// updateSilence tracks a run of all-zero audio buffers and returns
// true when the converter is currently dropping frames as silent
// (spec §4.3: silence detection persisting 10s enters silent mode;
// silence ends the moment non-zero audio returns).
func (c *Converter) updateSilence(au AccessUnit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !isAllZero(au.Data) {
		c.silenceSince = time.Time{}
		c.silent = false
		return false
	}
	if c.silenceSince.IsZero() {
		c.silenceSince = time.Now()
		return false
	}
	if time.Since(c.silenceSince) >= silenceWindow {
		c.silent = true
	}
	return c.silent
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return len(b) > 0
}

// SetVideoBitrate adjusts the runtime target bitrate in bits per
// second (spec §4.4 sink-feedback scaling).
func (c *Converter) SetVideoBitrate(bps int64) { c.videoBitrateBps.Store(bps) }

// VideoBitrate returns the current target bitrate.
func (c *Converter) VideoBitrate() int64 { return c.videoBitrateBps.Load() }

// DropAFrame requests the encoder skip its next frame; a no-op here
// since there is no real encoder to instruct, but the hook is kept so
// callers (and tests) can exercise the runtime-control surface.
func (c *Converter) DropAFrame() {}

// SuspendEncoding pauses (true) or resumes (false) access-unit
// emission without tearing down the converter.
func (c *Converter) SuspendEncoding(suspend bool) { c.suspended.Store(suspend) }

// Shutdown emits EventShutdownCompleted once torn down (spec §4.4:
// "one ShutdownCompleted per track").
func (c *Converter) Shutdown() {
	if c.OnEvent != nil {
		c.OnEvent(Event{Kind: EventShutdownCompleted})
	}
}
