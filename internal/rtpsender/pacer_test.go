package rtpsender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacerFirstWaitReturnsImmediately(t *testing.T) {
	p := NewPacer(90000)
	start := time.Now()
	p.Wait(0)
	require.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestPacerSecondWaitSleepsToTimestampDelta(t *testing.T) {
	p := NewPacer(90000)
	p.Wait(0)

	// 9000 ticks at a 90kHz clock is 100ms.
	start := time.Now()
	p.Wait(9000)
	elapsed := time.Since(start)
	require.InDelta(t, 100*time.Millisecond, elapsed, float64(30*time.Millisecond))
}

func TestPacerCatchupModeShortensDelay(t *testing.T) {
	backlog := true
	p := NewPacer(90000)
	p.QueueDepth = func() int {
		if backlog {
			return catchupThreshold
		}
		return 0
	}
	p.Wait(0)

	start := time.Now()
	p.Wait(9000) // nominal 100ms, catch-up mode divides by 1.1
	elapsed := time.Since(start)
	require.Less(t, elapsed, 100*time.Millisecond)
}

func TestPacerCapsExcessiveDelay(t *testing.T) {
	p := NewPacer(90000)
	p.Wait(0)

	start := time.Now()
	p.Wait(90000) // nominal 1s, capped to maxPacketDelay
	elapsed := time.Since(start)
	require.Less(t, elapsed, 300*time.Millisecond)
}

func TestSetBitrateDisabledByDefault(t *testing.T) {
	var sent int
	s := New(ModeNone, 97, 90000)
	s.Send = func(pkt []byte) error { sent++; return nil }

	require.NoError(t, s.PacketizeAndSend(AccessUnit{Payload: []byte{1, 2, 3}, PresentationUs: 0}))
	require.Equal(t, 1, sent)
	require.Nil(t, s.Limiter)
}

func TestSetBitrateInstallsLimiter(t *testing.T) {
	s := New(ModeNone, 97, 90000)
	s.SetBitrate(1_000_000)
	require.NotNil(t, s.Limiter)

	s.SetBitrate(0)
	require.Nil(t, s.Limiter)
}

func TestSenderWithPacerStillSendsEveryPacket(t *testing.T) {
	var sent int
	s := New(ModeNone, 97, 90000)
	s.Send = func(pkt []byte) error { sent++; return nil }
	s.Pacer = NewPacer(90000)

	require.NoError(t, s.PacketizeAndSend(AccessUnit{Payload: []byte{1}, PresentationUs: 0}))
	require.NoError(t, s.PacketizeAndSend(AccessUnit{Payload: []byte{2}, PresentationUs: 1000}))
	require.Equal(t, 2, sent)
}
