// Package mediaglue wires the media pipeline (internal/media) to the
// wire layer (internal/tspacketizer, internal/rtpsender,
// internal/rtpreceiver, internal/hdcp), per spec §4.9. Grounded on
// original_source/MediaSender.cpp/MediaReceiver.cpp for the
// scheduling and demux shape, and on pkg/bridge's goroutine/channel
// actor style for the surrounding plumbing.
package mediaglue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethan/wfd-core/internal/hdcp"
	"github.com/ethan/wfd-core/internal/rtpsender"
	"github.com/ethan/wfd-core/internal/tspacketizer"
)

// SenderMode selects whether each track gets its own RTP stream
// (ElementaryStreams) or all tracks are muxed into one Transport
// Stream carried over a single RTP stream (TransportStream).
type SenderMode int

const (
	ElementaryStreams SenderMode = iota
	TransportStream
)

// AccessUnit is one unit of media pushed into the sender.
type AccessUnit struct {
	Data           []byte
	PresentationUs int64
	IsKeyframe     bool
}

// TrackKind tells an ElementaryStreams-mode track how to shape its
// rtpsender.AccessUnit: H.264 needs individual NAL units split out of
// the Annex-B buffer the converter produced, everything else sends
// its buffer as one opaque payload.
type TrackKind int

const (
	KindH264 TrackKind = iota
	KindAAC
	KindRaw
)

// pcrPATThrottle bounds PAT/PMT/PCR emission to at most once per
// 100ms when muxing to a single Transport Stream (spec §4.9).
const pcrPATThrottle = 100 * time.Millisecond

type trackSlot struct {
	index   int
	isAudio bool
	kind    TrackKind
	tsTrack *tspacketizer.Track // only set in TransportStream mode
	sender  *rtpsender.Sender   // only set in ElementaryStreams mode
	queue   []AccessUnit
}

// MediaSender schedules access units across tracks by smallest head
// timestamp and packetizes/sends them, optionally muxing every track
// into one Transport Stream (spec §4.9).
type MediaSender struct {
	mu sync.Mutex

	mode  SenderMode
	muxer *tspacketizer.Muxer // TransportStream mode only
	ts    *rtpsender.Sender   // TransportStream mode only

	tracks map[int]*trackSlot

	hdcpFramer *hdcp.Framer

	lastPSI time.Time

	// Now returns the current time in microseconds; both constructors
	// set it to time.Now().UnixMicro, and callers may replace it with a
	// fixed clock for deterministic PAT/PMT/PCR throttling.
	Now func() int64
}

// NewElementaryStreamsSender creates a sender that gives each track
// its own RTP stream.
func NewElementaryStreamsSender() *MediaSender {
	return &MediaSender{
		mode:   ElementaryStreams,
		tracks: make(map[int]*trackSlot),
		Now:    func() int64 { return time.Now().UnixMicro() },
	}
}

// NewTransportStreamSender creates a sender that muxes every track
// into one Transport Stream delivered over a single RTP stream.
func NewTransportStreamSender(muxer *tspacketizer.Muxer, ts *rtpsender.Sender) *MediaSender {
	return &MediaSender{
		mode:   TransportStream,
		muxer:  muxer,
		ts:     ts,
		tracks: make(map[int]*trackSlot),
		Now:    func() int64 { return time.Now().UnixMicro() },
	}
}

// SetHDCPFramer arms per-access-unit HDCP private-data framing; nil
// disables it.
func (ms *MediaSender) SetHDCPFramer(f *hdcp.Framer) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.hdcpFramer = f
}

// AddElementaryTrack registers a track with its own RTP sender
// (ElementaryStreams mode only).
func (ms *MediaSender) AddElementaryTrack(index int, isAudio bool, kind TrackKind, sender *rtpsender.Sender) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tracks[index] = &trackSlot{index: index, isAudio: isAudio, kind: kind, sender: sender}
}

// AddMuxedTrack registers a track that packetizes into the shared
// Transport Stream (TransportStream mode only).
func (ms *MediaSender) AddMuxedTrack(index int, isAudio bool, tsTrack *tspacketizer.Track) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tracks[index] = &trackSlot{index: index, isAudio: isAudio, tsTrack: tsTrack}
}

// Push enqueues one access unit for trackIndex.
func (ms *MediaSender) Push(trackIndex int, au AccessUnit) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	t, ok := ms.tracks[trackIndex]
	if !ok {
		return fmt.Errorf("mediaglue: unknown track %d", trackIndex)
	}
	t.queue = append(t.queue, au)
	return nil
}

// Flush repeatedly sends the queued access unit with the smallest
// PresentationUs across all tracks until every queue is empty (spec
// §4.9 "smallest-head-timestamp scheduling").
func (ms *MediaSender) Flush() error {
	for {
		sent, err := ms.sendOne()
		if err != nil {
			return err
		}
		if !sent {
			return nil
		}
	}
}

func (ms *MediaSender) sendOne() (bool, error) {
	ms.mu.Lock()

	var chosen *trackSlot
	for _, t := range orderedTracks(ms.tracks) {
		if len(t.queue) == 0 {
			continue
		}
		if chosen == nil || t.queue[0].PresentationUs < chosen.queue[0].PresentationUs {
			chosen = t
		}
	}
	if chosen == nil {
		ms.mu.Unlock()
		return false, nil
	}
	au := chosen.queue[0]
	chosen.queue = chosen.queue[1:]
	mode := ms.mode
	ms.mu.Unlock()

	if mode == ElementaryStreams {
		return true, ms.sendElementary(chosen, au)
	}
	return true, ms.sendMuxed(chosen, au)
}

func orderedTracks(m map[int]*trackSlot) []*trackSlot {
	out := make([]*trackSlot, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func (ms *MediaSender) sendElementary(t *trackSlot, au AccessUnit) error {
	ms.mu.Lock()
	framer := ms.hdcpFramer
	ms.mu.Unlock()

	data := au.Data
	if framer != nil {
		// ElementaryStreams mode has no PES private-data channel to
		// carry the returned HDCP block; the encryption still applies
		// in place, and per-AU counters still advance.
		if _, err := framer.FrameAccessUnit(data, nil); err != nil {
			return fmt.Errorf("mediaglue: hdcp frame: %w", err)
		}
	}

	if t.sender == nil {
		return fmt.Errorf("mediaglue: track %d has no elementary sender", t.index)
	}

	ru := rtpsender.AccessUnit{PresentationUs: au.PresentationUs}
	if t.kind == KindH264 {
		ru.NALUs = splitAnnexB(data)
	} else {
		ru.Payload = data
	}
	return t.sender.PacketizeAndSend(ru)
}

// splitAnnexB splits an Annex-B buffer (NALUs separated by
// "00 00 00 01" or "00 00 01" start codes) into individual NAL units,
// the form internal/rtpsender.AccessUnit.NALUs expects.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	starts := make([]int, 0, 4)
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			starts = append(starts, i+3)
		}
	}
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			nextStart := starts[i+1]
			end = nextStart - 3
			if end > 0 && data[end-1] == 0 {
				end--
			}
		}
		if s < end {
			nalus = append(nalus, data[s:end])
		}
	}
	return nalus
}

func (ms *MediaSender) sendMuxed(t *trackSlot, au AccessUnit) error {
	ms.mu.Lock()
	now := ms.Now()
	emitPSI := now-ms.lastPSI.UnixMicro() >= pcrPATThrottle.Microseconds() || ms.lastPSI.IsZero()
	if emitPSI {
		ms.lastPSI = time.UnixMicro(now)
	}
	framer := ms.hdcpFramer
	ms.mu.Unlock()

	var flags tspacketizer.Flags
	var privateData []byte
	if emitPSI {
		flags |= tspacketizer.EmitPATAndPMT | tspacketizer.EmitPCR
	}
	if framer != nil {
		flags |= tspacketizer.IsEncrypted
		pd, err := framer.FrameAccessUnit(au.Data, nil)
		if err != nil {
			return fmt.Errorf("mediaglue: hdcp frame: %w", err)
		}
		privateData = pd
	}

	tsAU := tspacketizer.AccessUnit{Data: au.Data, PresentationUs: au.PresentationUs}
	packets, err := ms.muxer.Packetize(t.tsTrack.Index, tsAU, flags, now, privateData, 0)
	if err != nil {
		return fmt.Errorf("mediaglue: packetize: %w", err)
	}

	var joined []byte
	for _, p := range packets {
		joined = append(joined, p...)
	}
	return ms.ts.PacketizeAndSend(rtpsender.AccessUnit{Payload: joined, PresentationUs: au.PresentationUs})
}
