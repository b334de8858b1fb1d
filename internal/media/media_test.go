package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu   sync.Mutex
	aus  []AccessUnit
	idx  int
	wait chan struct{}
}

func newFakeSource(aus ...AccessUnit) *fakeSource {
	return &fakeSource{aus: aus, wait: make(chan struct{})}
}

func (f *fakeSource) ReadAccessUnit(ctx context.Context) (AccessUnit, error) {
	f.mu.Lock()
	if f.idx < len(f.aus) {
		au := f.aus[f.idx]
		f.idx++
		f.mu.Unlock()
		return au, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return AccessUnit{}, ctx.Err()
	case <-f.wait:
		return AccessUnit{}, ctx.Err()
	}
}

func TestMediaPullerDeliversAccessUnits(t *testing.T) {
	src := newFakeSource(
		AccessUnit{Data: []byte{1}},
		AccessUnit{Data: []byte{2}},
	)
	var mu sync.Mutex
	var got []AccessUnit
	p := NewMediaPuller(src, func(au AccessUnit) {
		mu.Lock()
		got = append(got, au)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	cancel()
	p.wg.Wait()
}

func TestMediaPullerPauseResume(t *testing.T) {
	src := newFakeSource(AccessUnit{Data: []byte{1}})
	var mu sync.Mutex
	count := 0
	p := NewMediaPuller(src, func(AccessUnit) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	p.Pause()
	require.True(t, func() bool {
		time.Sleep(20 * time.Millisecond)
		return p.paused.Load()
	}())

	p.Resume()
	p.Stop()
}

func TestMediaPullerStopIsAsynchronousAndIdempotentToCall(t *testing.T) {
	src := newFakeSource()
	p := NewMediaPuller(src, func(AccessUnit) {})
	ctx := context.Background()
	p.Start(ctx)
	p.Stop()
	p.Stop()

	select {
	case <-p.stopped:
	default:
		t.Fatal("expected puller loop to have exited")
	}
}

func TestConverterPrependsCSDOnFirstBuffer(t *testing.T) {
	csd := []byte{0xAA, 0xBB}
	c := NewConverter(0, csd)
	var got AccessUnit
	c.OnEvent = func(ev Event) { got = ev.AU }

	c.Push(AccessUnit{Data: []byte{1, 2, 3}})
	require.Equal(t, []byte{0xAA, 0xBB, 1, 2, 3}, got.Data)

	c.Push(AccessUnit{Data: []byte{4, 5}})
	require.Equal(t, []byte{4, 5}, got.Data)
}

func TestConverterPrependsCSDOnEveryKeyframeWhenFlagged(t *testing.T) {
	csd := []byte{0xAA, 0xBB}
	c := NewConverter(FlagPrependCSDIfNecessary, csd)
	var got AccessUnit
	c.OnEvent = func(ev Event) { got = ev.AU }

	c.Push(AccessUnit{Data: []byte{1}})
	require.Equal(t, []byte{0xAA, 0xBB, 1}, got.Data)

	c.Push(AccessUnit{Data: []byte{2}, IsKeyframe: true})
	require.Equal(t, []byte{0xAA, 0xBB, 2}, got.Data)

	c.Push(AccessUnit{Data: []byte{3}})
	require.Equal(t, []byte{3}, got.Data)
}

func TestConverterEntersSilentModeAfterSustainedZeroAudio(t *testing.T) {
	c := NewConverter(0, nil)
	var delivered int
	c.OnEvent = func(Event) { delivered++ }

	c.silenceSince = time.Now().Add(-silenceWindow - time.Second)
	c.Push(AccessUnit{Data: []byte{0, 0, 0, 0}})
	require.Equal(t, 0, delivered)
	require.True(t, c.silent)

	c.Push(AccessUnit{Data: []byte{1, 0, 0, 0}})
	require.Equal(t, 1, delivered)
	require.False(t, c.silent)
}

func TestConverterSuspendEncodingDropsBuffers(t *testing.T) {
	c := NewConverter(0, nil)
	var delivered int
	c.OnEvent = func(Event) { delivered++ }

	c.SuspendEncoding(true)
	c.Push(AccessUnit{Data: []byte{1}})
	require.Equal(t, 0, delivered)

	c.SuspendEncoding(false)
	c.Push(AccessUnit{Data: []byte{1}})
	require.Equal(t, 1, delivered)
}

func TestConverterVideoBitrateRuntimeControl(t *testing.T) {
	c := NewConverter(0, nil)
	require.Equal(t, int64(0), c.VideoBitrate())
	c.SetVideoBitrate(4_000_000)
	require.Equal(t, int64(4_000_000), c.VideoBitrate())
}

func TestConverterShutdownEmitsShutdownCompleted(t *testing.T) {
	c := NewConverter(0, nil)
	var kind EventKind
	c.OnEvent = func(ev Event) { kind = ev.Kind }
	c.Shutdown()
	require.Equal(t, EventShutdownCompleted, kind)
}

func TestRepeaterSourceReturnsInstalledFrame(t *testing.T) {
	r := NewRepeaterSource(10)
	r.SetFrame(AccessUnit{Data: []byte{9}})

	au, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, []byte{9}, au.Data)
}

func TestRepeaterSourceGoesDormantAfterWindow(t *testing.T) {
	r := NewRepeaterSource(10)
	r.SetFrame(AccessUnit{Data: []byte{9}})
	r.lastFresh = time.Now().Add(-dormancyWindow - time.Millisecond)

	_, ok := r.Next()
	require.False(t, ok)
	require.True(t, r.IsDormant())
}

func TestRepeaterSourceWakeUpRearms(t *testing.T) {
	r := NewRepeaterSource(10)
	r.SetFrame(AccessUnit{Data: []byte{9}})
	r.lastFresh = time.Now().Add(-dormancyWindow - time.Millisecond)

	_, ok := r.Next()
	require.False(t, ok)

	r.SetFrame(AccessUnit{Data: []byte{7}})
	r.WakeUp()

	au, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, []byte{7}, au.Data)
}

func TestRepeaterSourceClampsRate(t *testing.T) {
	r := NewRepeaterSource(1)
	require.Equal(t, time.Second/minRepeatHz, r.Interval())

	r.SetRate(1000)
	require.Equal(t, time.Second/maxRepeatHz, r.Interval())
}

func TestLPCMGrouperEmitsFramedPayloads(t *testing.T) {
	g := NewLPCMGrouper(0, 0)
	samples := make([]byte, bytesPerPESPayload)
	for i := range samples {
		samples[i] = byte(i)
	}

	out, err := g.Push(samples)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], 4+bytesPerPESPayload)
	require.Equal(t, byte(lpcmMarker), out[0][0])
	require.Equal(t, byte(lpcmAUsPerPacket), out[0][1])
	require.Equal(t, byte(0), out[0][2])
	require.Equal(t, byte(lpcmChannels), out[0][3]&0x07)
}

func TestLPCMGrouperAccumulatesAcrossPushes(t *testing.T) {
	g := NewLPCMGrouper(0, 1)
	half := make([]byte, bytesPerPESPayload/2)

	out, err := g.Push(half)
	require.NoError(t, err)
	require.Len(t, out, 0)

	out, err = g.Push(half)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestLPCMGrouperRejectsOddLength(t *testing.T) {
	g := NewLPCMGrouper(0, 0)
	_, err := g.Push([]byte{1})
	require.Error(t, err)
}
