// Package rtpsender packetizes access units into RTP packets and
// handles generic-NACK retransmission and APP "late" feedback, per
// spec §4.6. Grounded on original_source/rtp/RTPSender.cpp for the
// history-ring/retransmit semantics, on pkg/bridge.Pacer (see
// pacer.go) for RTP-timestamp-based output pacing, and on
// golang.org/x/time/rate (see bitrate.go) for capping the outgoing
// byte rate to the negotiated bitrate.
package rtpsender

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"
)

// Mode selects the outgoing packetization strategy (spec §4.6).
type Mode int

const (
	ModeNone Mode = iota
	ModeTransportStream
	ModeH264
	ModeAAC
)

const (
	fixedSSRC       = 0xDEADBEEF
	historyCapacity = 1024
	mtuPayloadBytes = 1472 // UDP payload budget (spec §4.6)
	rtpHeaderSize   = 12
	tsPacketSize    = 188

	naluTypeSTAPA = 24
	naluTypeFUA   = 28
)

// AccessUnit is one encoded frame or TS batch to packetize.
type AccessUnit struct {
	NALUs          [][]byte // for ModeH264: individual NAL units (no start codes)
	Payload        []byte   // for ModeNone/ModeAAC/ModeTransportStream: raw payload
	PresentationUs int64
}

// historyEntry is one cached outgoing packet, keyed by sequence number.
type historyEntry struct {
	seq   uint16
	valid bool
	data  []byte
}

// Sender packetizes access units and retransmits on NACK.
type Sender struct {
	mu sync.Mutex

	mode        Mode
	payloadType uint8
	clockRate   uint32

	seq     uint16
	history [historyCapacity]historyEntry

	// Send is the transport hook; callers wire this to the actual UDP
	// socket. Returning an error marks the packet unsent (not cached).
	Send func(pkt []byte) error

	// InformSender surfaces decoded APP "late" feedback upward, in
	// microseconds (spec §4.4/§4.6).
	InformSender func(avgLatencyUs, maxLatencyUs uint64)

	// Pacer, if set, spaces outgoing access units to the RTP clock's
	// nominal rate instead of sending them as fast as the source hands
	// them over. Optional: callers that already pace upstream (e.g. a
	// hardware encoder) can leave it nil.
	Pacer *Pacer

	// Limiter caps the outgoing byte rate to the configured bitrate;
	// set via SetBitrate, nil (no cap) until then.
	Limiter *rate.Limiter
}

// New creates a sender for the given packetization mode, payload type,
// and RTP clock rate (90000 for video, 48000 or similar for audio).
func New(mode Mode, payloadType uint8, clockRate uint32) *Sender {
	return &Sender{mode: mode, payloadType: payloadType, clockRate: clockRate}
}

func (s *Sender) rtpTimestamp(presentationUs int64) uint32 {
	return uint32(presentationUs * int64(s.clockRate) / 1_000_000)
}

// PacketizeAndSend packetizes one access unit according to the
// sender's mode and transmits every resulting RTP packet.
func (s *Sender) PacketizeAndSend(au AccessUnit) error {
	if s.Pacer != nil {
		s.Pacer.Wait(s.rtpTimestamp(au.PresentationUs))
	}
	switch s.mode {
	case ModeNone:
		return s.sendRaw(au)
	case ModeTransportStream:
		return s.sendTS(au)
	case ModeH264:
		return s.sendH264(au)
	case ModeAAC:
		return s.sendAAC(au)
	default:
		return fmt.Errorf("rtpsender: unknown mode %d", s.mode)
	}
}

func (s *Sender) sendRaw(au AccessUnit) error {
	return s.emit(au.Payload, s.rtpTimestamp(au.PresentationUs), true)
}

func (s *Sender) sendAAC(au AccessUnit) error {
	// RFC 3640 non-interleaved: 16-bit AU-headers-length (=16, one
	// header) + 16-bit AU header (13-bit size, 3-bit index=0).
	header := make([]byte, 4)
	binary.BigEndian.PutUint16(header[0:2], 16)
	binary.BigEndian.PutUint16(header[2:4], uint16(len(au.Payload))<<3)
	payload := append(header, au.Payload...)
	return s.emit(payload, s.rtpTimestamp(au.PresentationUs), true)
}

func (s *Sender) sendTS(au AccessUnit) error {
	perRTP := ((mtuPayloadBytes - rtpHeaderSize) / tsPacketSize) * tsPacketSize
	if perRTP == 0 {
		return fmt.Errorf("rtpsender: MTU too small for one TS packet")
	}
	data := au.Payload
	ts := s.rtpTimestamp(au.PresentationUs)
	for offset := 0; offset < len(data); offset += perRTP {
		end := offset + perRTP
		if end > len(data) {
			end = len(data)
		}
		last := end >= len(data)
		if err := s.emit(data[offset:end], ts, last); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendH264(au AccessUnit) error {
	ts := s.rtpTimestamp(au.PresentationUs)
	budget := mtuPayloadBytes - rtpHeaderSize

	var pending [][]byte
	pendingLen := 0

	flushSTAP := func(isLastGroup bool) error {
		if len(pending) == 0 {
			return nil
		}
		if len(pending) == 1 {
			single := pending[0]
			pending = pending[:0]
			pendingLen = 0
			return s.emit(single, ts, isLastGroup)
		}
		payload := make([]byte, 0, pendingLen+1+2*len(pending))
		payload = append(payload, naluTypeSTAPA|(pending[0][0]&0x60))
		for _, n := range pending {
			szHdr := make([]byte, 2)
			binary.BigEndian.PutUint16(szHdr, uint16(len(n)))
			payload = append(payload, szHdr...)
			payload = append(payload, n...)
		}
		pending = pending[:0]
		pendingLen = 0
		return s.emit(payload, ts, isLastGroup)
	}

	for i, nalu := range au.NALUs {
		isLastNALU := i == len(au.NALUs)-1
		if len(nalu) > budget {
			if err := flushSTAP(false); err != nil {
				return err
			}
			if err := s.sendFUA(nalu, ts, isLastNALU); err != nil {
				return err
			}
			continue
		}
		if pendingLen+len(nalu)+3 > budget {
			if err := flushSTAP(false); err != nil {
				return err
			}
		}
		pending = append(pending, nalu)
		pendingLen += len(nalu) + 2
		if isLastNALU {
			if err := flushSTAP(true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sender) sendFUA(nalu []byte, ts uint32, markerOnEnd bool) error {
	nri := nalu[0] & 0x60
	naluType := nalu[0] & 0x1F
	fuIndicator := nri | naluTypeFUA

	budget := mtuPayloadBytes - rtpHeaderSize - 2
	payload := nalu[1:]
	for offset := 0; offset < len(payload); offset += budget {
		end := offset + budget
		if end > len(payload) {
			end = len(payload)
		}
		start := offset == 0
		final := end >= len(payload)

		fuHeader := naluType
		if start {
			fuHeader |= 0x80
		}
		if final {
			fuHeader |= 0x40
		}

		frag := make([]byte, 2+end-offset)
		frag[0] = fuIndicator
		frag[1] = fuHeader
		copy(frag[2:], payload[offset:end])

		if err := s.emit(frag, ts, final && markerOnEnd); err != nil {
			return err
		}
	}
	return nil
}

// emit builds and sends one RTP packet, appending it to the history
// ring keyed by its sequence number.
func (s *Sender) emit(payload []byte, timestamp uint32, marker bool) error {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           fixedSSRC,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtpsender: marshal: %w", err)
	}

	if err := s.waitForBudget(len(raw)); err != nil {
		return fmt.Errorf("rtpsender: bitrate wait: %w", err)
	}

	if s.Send == nil {
		return fmt.Errorf("rtpsender: no Send hook configured")
	}
	if err := s.Send(raw); err != nil {
		return err
	}

	s.mu.Lock()
	slot := &s.history[seq%historyCapacity]
	slot.seq = seq
	slot.valid = true
	slot.data = append([]byte{}, raw...)
	s.mu.Unlock()
	return nil
}

// HandleFeedback processes one received RTCP compound packet, acting
// on generic-NACK (retransmitting cached packets) and the APP "late"
// feedback message (spec §4.6).
func (s *Sender) HandleFeedback(compound []byte) error {
	pkts, err := rtcp.Unmarshal(compound)
	if err != nil {
		return fmt.Errorf("rtpsender: rtcp unmarshal: %w", err)
	}
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			s.handleNACK(p)
		case *rtcp.RawPacket:
			s.maybeHandleLateApp(p)
		}
	}
	return nil
}

func (s *Sender) handleNACK(nack *rtcp.TransportLayerNack) {
	for _, pair := range nack.Nacks {
		seqs := pair.PacketList()
		for _, seq := range seqs {
			s.retransmit(seq)
		}
	}
}

func (s *Sender) retransmit(seq uint16) {
	s.mu.Lock()
	slot := s.history[seq%historyCapacity]
	s.mu.Unlock()
	if !slot.valid || slot.seq != seq || s.Send == nil {
		return
	}
	_ = s.Send(slot.data)
}

// maybeHandleLateApp decodes an RTCP APP packet named "late" carrying
// two big-endian uint64 microsecond latency fields (avg, max) in its
// application data, per RTPSender.cpp's parseAPP: avgLatencyUs at
// data[12:20], maxLatencyUs at data[20:28].
func (s *Sender) maybeHandleLateApp(raw *rtcp.RawPacket) {
	data := []byte(*raw)
	if len(data) < 12 {
		return
	}
	// RawPacket includes the 4-byte RTCP header; APP header layout is
	// V/P/subtype(1) + PT(1) + length(2) + SSRC(4) + name(4) + data.
	if data[1] != 204 {
		return
	}
	if len(data) < 28 || string(data[8:12]) != "late" {
		return
	}
	avgLatencyUs := binary.BigEndian.Uint64(data[12:20])
	maxLatencyUs := binary.BigEndian.Uint64(data[20:28])
	if s.InformSender != nil {
		s.InformSender(avgLatencyUs, maxLatencyUs)
	}
}
