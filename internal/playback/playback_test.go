package playback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/wfd-core/internal/media"
	"github.com/ethan/wfd-core/internal/mediaglue"
	"github.com/ethan/wfd-core/internal/rtpsender"
	"github.com/ethan/wfd-core/internal/tspacketizer"
)

type blockingSource struct {
	aus  []media.AccessUnit
	next int
	wait chan struct{}
}

func (s *blockingSource) ReadAccessUnit(ctx context.Context) (media.AccessUnit, error) {
	if s.next < len(s.aus) {
		au := s.aus[s.next]
		s.next++
		return au, nil
	}
	select {
	case <-s.wait:
	case <-ctx.Done():
	}
	return media.AccessUnit{}, ctx.Err()
}

func TestSessionTransportDescriptionUDP(t *testing.T) {
	s := NewElementaryStreamsSession(TransportUDP, 19000, 19001)
	require.Equal(t, "RTP/AVP/UDP;unicast;client_port=19000-19001", s.TransportDescription())
}

func TestSessionTransportDescriptionTCPInterleaved(t *testing.T) {
	s := NewElementaryStreamsSession(TransportTCPInterleaved, 0, 1)
	require.Equal(t, "RTP/AVP/TCP/INTERLEAVED;interleaved=0-1", s.TransportDescription())
}

func TestSessionLivenessExpiresAfterTimeout(t *testing.T) {
	s := NewElementaryStreamsSession(TransportUDP, 19000, 19001)
	s.mu.Lock()
	s.lastLivenessAt = time.Now().Add(-livenessTimeout - time.Second)
	s.mu.Unlock()
	require.True(t, s.Expired())

	s.TouchLiveness()
	require.False(t, s.Expired())
}

func TestSessionPushesConverterOutputIntoSender(t *testing.T) {
	s := NewElementaryStreamsSession(TransportUDP, 19000, 19001)
	var sent [][]byte
	sender := &rtpsender.Sender{Send: func(pkt []byte) error { sent = append(sent, pkt); return nil }}
	conv := media.NewConverter(0, nil)
	src := &blockingSource{wait: make(chan struct{})}

	s.AddElementaryTrack(0, false, mediaglue.KindRaw, src, conv, sender, nil)
	conv.Push(media.AccessUnit{Data: []byte("frame"), PresentationUs: 1})

	require.NoError(t, s.Flush())
	require.NotEmpty(t, sent)
}

func TestSessionFeedbackScalesVideoBitrateDownOnHighLatency(t *testing.T) {
	s := NewElementaryStreamsSession(TransportUDP, 19000, 19001)
	sender := &rtpsender.Sender{Send: func(pkt []byte) error { return nil }}
	conv := media.NewConverter(0, nil)
	conv.SetVideoBitrate(1_000_000)
	repeater := media.NewRepeaterSource(20)
	src := &blockingSource{wait: make(chan struct{})}

	s.AddElementaryTrack(0, false, mediaglue.KindH264, src, conv, sender, repeater)

	sender.InformSender(350_000, 400_000)
	require.Equal(t, int64(600_000), conv.VideoBitrate())
	require.Equal(t, 12, repeater.Rate())
	require.NotNil(t, sender.Limiter, "scaled bitrate must be re-applied to the sender's output-rate limiter")
}

func TestSessionFeedbackScalesVideoBitrateUpOnLowLatency(t *testing.T) {
	s := NewElementaryStreamsSession(TransportUDP, 19000, 19001)
	sender := &rtpsender.Sender{Send: func(pkt []byte) error { return nil }}
	conv := media.NewConverter(0, nil)
	conv.SetVideoBitrate(1_000_000)
	repeater := media.NewRepeaterSource(20)
	src := &blockingSource{wait: make(chan struct{})}

	s.AddElementaryTrack(0, false, mediaglue.KindH264, src, conv, sender, repeater)

	sender.InformSender(50_000, 60_000)
	require.Equal(t, int64(1_100_000), conv.VideoBitrate())
	require.Equal(t, 22, repeater.Rate())
}

func TestSessionFeedbackClampsBitrateToBounds(t *testing.T) {
	s := NewElementaryStreamsSession(TransportUDP, 19000, 19001)
	sender := &rtpsender.Sender{Send: func(pkt []byte) error { return nil }}
	conv := media.NewConverter(0, nil)
	conv.SetVideoBitrate(600_000)
	src := &blockingSource{wait: make(chan struct{})}

	s.AddElementaryTrack(0, false, mediaglue.KindH264, src, conv, sender, nil)

	sender.InformSender(350_000, 400_000) // 600_000 * 0.6 = 360_000, clamped to 500_000
	require.Equal(t, int64(500_000), conv.VideoBitrate())
}

func TestSessionPauseResumeDrivesUnderlyingPullers(t *testing.T) {
	s := NewElementaryStreamsSession(TransportUDP, 19000, 19001)
	sender := &rtpsender.Sender{Send: func(pkt []byte) error { return nil }}
	conv := media.NewConverter(0, nil)
	src := &blockingSource{wait: make(chan struct{})}
	s.AddElementaryTrack(0, false, mediaglue.KindRaw, src, conv, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.False(t, s.IsPaused())
	s.Pause()
	require.True(t, s.IsPaused())
	s.Resume()
	require.False(t, s.IsPaused())

	s.Teardown()
}

func TestTransportStreamSessionMuxesTracksUsingMuxerIndex(t *testing.T) {
	var sent [][]byte
	ts := rtpsender.New(rtpsender.ModeTransportStream, 33, 90000)
	ts.Send = func(pkt []byte) error { sent = append(sent, pkt); return nil }
	s := NewTransportStreamSession(TransportUDP, 19000, 19001, ts)

	conv := media.NewConverter(0, nil)
	src := &blockingSource{wait: make(chan struct{})}
	track := s.AddMuxedTrack(false, tspacketizer.StreamTypeH264, nil, src, conv, nil)
	require.Equal(t, 0, track.Index)

	conv.Push(media.AccessUnit{Data: []byte("frame"), PresentationUs: 1000})
	require.NoError(t, s.Flush())
	require.NotEmpty(t, sent)
}
