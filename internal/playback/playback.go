// Package playback implements PlaybackSession, the per-client
// orchestration unit that owns a set of tracks, an RTP port pair, a
// liveness timestamp, and the accumulated Transport Stream mux context
// (spec §4.4). Grounded on original_source/source/PlaybackSession.cpp
// for the lifecycle and sink-feedback scaling, and on
// pkg/relay.CameraRelay's context-cancellation + WaitGroup shutdown
// shape.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethan/wfd-core/internal/hdcp"
	"github.com/ethan/wfd-core/internal/media"
	"github.com/ethan/wfd-core/internal/mediaglue"
	"github.com/ethan/wfd-core/internal/rtpsender"
	"github.com/ethan/wfd-core/internal/tspacketizer"
)

// Transport selects how tracks reach the sink (spec §4.4: "transport
// selection UDP/TCP/TCP-interleaved").
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportTCPInterleaved
)

const livenessTimeout = 30 * time.Second

// bitrate/framerate scaling bounds and thresholds, spec §4.4's
// sink-feedback loop: "scales video bitrate by 0.6x if avg>300ms and
// by 1.1x if avg<100ms, clamped to [500kbps,10Mbps]... and similarly
// scales the repeater frame rate in [5,30]Hz". APP "late" feedback
// carries these as microseconds (RTPSender.cpp's avgLatencyUs), not
// milliseconds.
const (
	lateHighUs = 300_000
	lateLowUs  = 100_000
	scaleDown  = 0.6
	scaleUp    = 1.1
	minBitrate = 500_000
	maxBitrate = 10_000_000
)

// Track is one media stream within a PlaybackSession: its capture
// pipeline (puller/converter/repeater) plus its wire-side sender.
type Track struct {
	Index   int
	IsAudio bool

	Puller    *media.MediaPuller
	Converter *media.Converter
	Repeater  *media.RepeaterSource // video only, may be nil

	Sender *rtpsender.Sender
}

// Session is a per-client playback session (spec §4.4).
type Session struct {
	mu sync.Mutex

	transport Transport
	rtpPort0  int
	rtpPort1  int

	tracks map[int]*Track

	paused      bool
	lastLivenessAt time.Time

	sender *mediaglue.MediaSender
	muxer  *tspacketizer.Muxer // TransportStream mode only

	hdcpFramer *hdcp.Framer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewElementaryStreamsSession creates a session where each track gets
// its own RTP stream.
func NewElementaryStreamsSession(transport Transport, rtpPort0, rtpPort1 int) *Session {
	return &Session{
		transport:      transport,
		rtpPort0:       rtpPort0,
		rtpPort1:       rtpPort1,
		tracks:         make(map[int]*Track),
		sender:         mediaglue.NewElementaryStreamsSender(),
		lastLivenessAt: time.Now(),
	}
}

// NewTransportStreamSession creates a session that muxes every track
// into one Transport Stream carried over a single RTP stream.
func NewTransportStreamSession(transport Transport, rtpPort0, rtpPort1 int, ts *rtpsender.Sender) *Session {
	muxer := tspacketizer.NewMuxer()
	return &Session{
		transport:      transport,
		rtpPort0:       rtpPort0,
		rtpPort1:       rtpPort1,
		tracks:         make(map[int]*Track),
		sender:         mediaglue.NewTransportStreamSender(muxer, ts),
		muxer:          muxer,
		lastLivenessAt: time.Now(),
	}
}

// EnableContentProtection arms HDCP framing for every access unit the
// session emits, across all tracks.
func (s *Session) EnableContentProtection(f *hdcp.Framer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hdcpFramer = f
	s.sender.SetHDCPFramer(f)
}

// AddElementaryTrack registers a track with its own RTP sender
// (NewElementaryStreamsSession sessions only).
func (s *Session) AddElementaryTrack(index int, isAudio bool, kind mediaglue.TrackKind, src media.Source, conv *media.Converter, sender *rtpsender.Sender, repeater *media.RepeaterSource) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Track{Index: index, IsAudio: isAudio, Converter: conv, Sender: sender, Repeater: repeater}
	conv.OnEvent = func(ev media.Event) {
		if ev.Kind != media.EventAccessUnit {
			return
		}
		_ = s.sender.Push(index, mediaglue.AccessUnit{
			Data:           ev.AU.Data,
			PresentationUs: ev.AU.PresentationUs,
			IsKeyframe:     ev.AU.IsKeyframe,
		})
	}
	t.Puller = media.NewMediaPuller(src, conv.Push)
	s.tracks[index] = t
	s.sender.AddElementaryTrack(index, isAudio, kind, sender)

	if !isAudio {
		sender.InformSender = s.makeFeedbackHandler(conv, sender, repeater)
	}
	return t
}

// AddMuxedTrack registers a track that packetizes into the session's
// shared Transport Stream (NewTransportStreamSession sessions only).
// The track's index is assigned by the underlying Muxer so it always
// matches the PID/stream-order the muxer emits.
func (s *Session) AddMuxedTrack(isAudio bool, streamType tspacketizer.StreamType, csd []byte, src media.Source, conv *media.Converter, repeater *media.RepeaterSource) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	tsTrack := s.muxer.AddTrack(isAudio, streamType, csd)
	index := tsTrack.Index
	t := &Track{Index: index, IsAudio: isAudio, Converter: conv, Repeater: repeater}
	conv.OnEvent = func(ev media.Event) {
		if ev.Kind != media.EventAccessUnit {
			return
		}
		_ = s.sender.Push(index, mediaglue.AccessUnit{
			Data:           ev.AU.Data,
			PresentationUs: ev.AU.PresentationUs,
			IsKeyframe:     ev.AU.IsKeyframe,
		})
	}
	t.Puller = media.NewMediaPuller(src, conv.Push)
	s.tracks[index] = t
	s.sender.AddMuxedTrack(index, isAudio, tsTrack)
	return t
}

// makeFeedbackHandler closes over a video track's Converter/Repeater
// and returns the callback RTPSender.InformSender invokes whenever the
// sink reports APP "late" feedback (spec §4.4).
func (s *Session) makeFeedbackHandler(conv *media.Converter, sender *rtpsender.Sender, repeater *media.RepeaterSource) func(avgLatencyUs, maxLatencyUs uint64) {
	return func(avgLatencyUs, maxLatencyUs uint64) {
		switch {
		case avgLatencyUs > lateHighUs:
			scaleBitrate(conv, sender, scaleDown)
			scaleRate(repeater, scaleDown)
		case avgLatencyUs < lateLowUs:
			scaleBitrate(conv, sender, scaleUp)
			scaleRate(repeater, scaleUp)
		}
	}
}

// scaleBitrate adjusts the converter's target bitrate and re-applies it
// to the sender's output-rate limiter, so the two stay in sync (spec
// §4.6: the limiter caps outgoing bytes at the negotiated/adapted
// bitrate, not the initial one).
func scaleBitrate(conv *media.Converter, sender *rtpsender.Sender, factor float64) {
	if conv == nil {
		return
	}
	cur := conv.VideoBitrate()
	if cur == 0 {
		return
	}
	next := int64(float64(cur) * factor)
	if next < minBitrate {
		next = minBitrate
	}
	if next > maxBitrate {
		next = maxBitrate
	}
	conv.SetVideoBitrate(next)
	if sender != nil {
		sender.SetBitrate(next)
	}
}

func scaleRate(repeater *media.RepeaterSource, factor float64) {
	if repeater == nil {
		return
	}
	next := int(float64(repeater.Rate()) * factor)
	repeater.SetRate(next)
}

// Start begins every track's pull loop.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		t.Puller.Start(ctx)
	}
}

// Pause suspends every track's pull loop without tearing it down.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()
	for _, t := range tracks {
		t.Puller.Pause()
	}
}

// Resume resumes every track's pull loop after Pause.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()
	for _, t := range tracks {
		t.Puller.Resume()
	}
}

// IsPaused reports the session's paused flag.
func (s *Session) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Teardown stops every track's pull loop and shuts down its converter.
func (s *Session) Teardown() {
	s.mu.Lock()
	cancel := s.cancel
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, t := range tracks {
		t.Puller.Stop()
		t.Converter.Shutdown()
	}
}

// Flush drains every track's pending queued access units through the
// wire layer; callers run this on a timer or after each Push.
func (s *Session) Flush() error {
	return s.sender.Flush()
}

// TouchLiveness records that a valid request was just received (spec
// §4.4: "a liveness timestamp, updated on any valid request").
func (s *Session) TouchLiveness() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLivenessAt = time.Now()
}

// Expired reports whether the session has exceeded the 30s liveness
// timeout without a request.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastLivenessAt) >= livenessTimeout
}

// RTPPorts returns the session's allocated RTP/RTCP port pair.
func (s *Session) RTPPorts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtpPort0, s.rtpPort1
}

// TransportDescription renders the session's transport for inclusion
// in a SETUP response's Transport header.
func (s *Session) TransportDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.transport {
	case TransportTCP:
		return fmt.Sprintf("RTP/AVP/TCP;unicast;client_port=%d-%d", s.rtpPort0, s.rtpPort1)
	case TransportTCPInterleaved:
		return fmt.Sprintf("RTP/AVP/TCP/INTERLEAVED;interleaved=%d-%d", s.rtpPort0, s.rtpPort1)
	default:
		return fmt.Sprintf("RTP/AVP/UDP;unicast;client_port=%d-%d", s.rtpPort0, s.rtpPort1)
	}
}
