package rtpsender

import (
	"sync"
	"time"
)

// Pacing constants grounded on pkg/bridge/pacer.go's
// leaky-bucket constants, generalized from its dual video/audio-channel
// pacer down to a single per-Sender pacer (rtpsender already keeps
// video and audio on independent Sender instances, so one Pacer per
// Sender covers both).
const (
	catchupSpeedMultiplier = 1.1
	catchupThreshold       = 5
	maxPacketDelay         = 200 * time.Millisecond
)

// Pacer smooths access-unit transmission to the RTP clock's nominal
// rate, restoring the spacing a live encoder would naturally impose
// when the source (file replay, repeated test frame) hands frames to
// PacketizeAndSend in a burst.
type Pacer struct {
	mu         sync.Mutex
	clockRate  uint32
	lastTS     uint32
	lastSendAt time.Time
	first      bool

	// QueueDepth, if set, reports how many access units are backed up
	// waiting to be sent; once at or above catchupThreshold the pacer
	// drains faster than nominal rate to avoid unbounded backlog.
	QueueDepth func() int
}

// NewPacer creates a pacer for the given RTP clock rate (90000 for
// H.264 video, the sender's audio clock rate otherwise).
func NewPacer(clockRate uint32) *Pacer {
	return &Pacer{clockRate: clockRate, first: true}
}

// Wait blocks until presentationTS's nominal send time has arrived.
// The first call establishes the timeline and returns immediately.
func (p *Pacer) Wait(presentationTS uint32) {
	p.mu.Lock()
	if p.first {
		p.first = false
		p.lastTS = presentationTS
		p.lastSendAt = time.Now()
		p.mu.Unlock()
		return
	}
	lastTS, lastSendAt := p.lastTS, p.lastSendAt
	p.mu.Unlock()

	var tsDelta uint32
	if presentationTS >= lastTS {
		tsDelta = presentationTS - lastTS
	} else {
		tsDelta = (0xFFFFFFFF - lastTS) + presentationTS + 1
	}
	delay := time.Duration(tsDelta)*time.Second/time.Duration(p.clockRate) - time.Since(lastSendAt)

	if p.QueueDepth != nil && p.QueueDepth() >= catchupThreshold {
		delay = time.Duration(float64(delay) / catchupSpeedMultiplier)
	}
	if delay > maxPacketDelay {
		delay = maxPacketDelay
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	p.lastTS = presentationTS
	p.lastSendAt = time.Now()
	p.mu.Unlock()
}
