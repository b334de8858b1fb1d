package media

import (
	"context"
	"io"
	"sync"
	"time"
)

const (
	minRepeatHz = 5
	maxRepeatHz = 30
)

// RepeaterSource is a video-only Source adapter that caches the last
// frame installed with SetFrame and re-emits it at a fixed, adjustable
// rate; it does not read from an upstream capture source itself. It
// goes dormant once Next finds its frame dormancyWindow old, releasing
// its buffer, and rearms on WakeUp (spec §4.3).
type RepeaterSource struct {
	mu sync.Mutex

	rateHz    int
	frame     *AccessUnit
	lastFresh time.Time
	dormant   bool

	cond *sync.Cond
}

// NewRepeaterSource creates a repeater at the given initial rate,
// clamped to [5, 30] Hz.
func NewRepeaterSource(initialHz int) *RepeaterSource {
	r := &RepeaterSource{rateHz: clampHz(initialHz)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func clampHz(hz int) int {
	if hz < minRepeatHz {
		return minRepeatHz
	}
	if hz > maxRepeatHz {
		return maxRepeatHz
	}
	return hz
}

// SetFrame installs the latest captured frame, waking any blocked
// reader.
func (r *RepeaterSource) SetFrame(au AccessUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = &au
	r.lastFresh = time.Now()
	r.dormant = false
	r.cond.Broadcast()
}

// SetRate adjusts the repeat rate, clamped to [5, 30] Hz (spec §4.4
// sink-feedback scaling).
func (r *RepeaterSource) SetRate(hz int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateHz = clampHz(hz)
}

// WakeUp arms the repeater for its next reader after it went dormant.
func (r *RepeaterSource) WakeUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dormant = false
	r.cond.Broadcast()
}

// Next waits, in a condition-variable loop with no timeout, until a
// frame is installed or the repeater is dormant. It returns the
// installed frame, unless that frame is dormancyWindow or more old: then
// the repeater goes dormant, releases its buffer, and Next returns
// ok=false (spec §4.3). While dormant with no frame, Next returns
// ok=false at once. SetFrame wakes a blocked Next; WakeUp clears
// dormancy and wakes it, and with no frame installed Next waits again.
func (r *RepeaterSource) Next() (AccessUnit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.frame == nil && !r.dormant {
		r.cond.Wait()
	}
	if r.frame == nil {
		return AccessUnit{}, false
	}
	if time.Since(r.lastFresh) >= dormancyWindow {
		r.dormant = true
		r.frame = nil
		return AccessUnit{}, false
	}
	return *r.frame, true
}

// ReadAccessUnit implements Source: it waits one Interval (or returns
// ctx's error if ctx ends first), then returns Next's frame, or io.EOF
// when Next reports ok=false. Next's own wait does not observe ctx.
func (r *RepeaterSource) ReadAccessUnit(ctx context.Context) (AccessUnit, error) {
	select {
	case <-ctx.Done():
		return AccessUnit{}, ctx.Err()
	case <-time.After(r.Interval()):
	}
	au, ok := r.Next()
	if !ok {
		return AccessUnit{}, io.EOF
	}
	return au, nil
}

// Interval is the current repeat period for rateHz.
func (r *RepeaterSource) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Second / time.Duration(r.rateHz)
}

// Rate returns the current repeat rate in Hz.
func (r *RepeaterSource) Rate() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateHz
}

// IsDormant reports whether the repeater has released its buffer.
func (r *RepeaterSource) IsDormant() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dormant
}
