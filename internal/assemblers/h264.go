// Package assemblers reconstructs access units from received RTP
// packets: H.264 (FU-A/STAP-A/single-NALU), AAC (RFC 3640), and raw
// MPEG-2 TS passthrough. Grounded on pkg/rtp's depacketizers,
// generalized from camera-ingest to WFD sink reception.
package assemblers

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	naluTypeMask  = 0x1F
	naluTypeIFrame = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28
)

// Frame is a completed access unit handed to the caller.
type Frame struct {
	NALUs          []byte // Annex-B: 00 00 00 01 start codes between NALUs
	Keyframe       bool
	PresentationUs int64 // rtp_time * 100 / 9
}

// H264Assembler reconstructs access units from an RTP H.264 stream
// carried per RFC 6184. It tracks a two-state machine (idle /
// collecting-FU-A) per track, grounded on pkg/rtp's H264Processor.
type H264Assembler struct {
	fuBuffer       []byte
	collecting     bool
	fuIndicator    byte
	fuType         byte
	sps            []byte
	pps            []byte
	au             []byte
	auKeyframe     bool
	OnAccessUnit   func(Frame)
	OnMalformed    func(reason string)
}

// NewH264Assembler creates an idle assembler.
func NewH264Assembler() *H264Assembler {
	return &H264Assembler{fuBuffer: make([]byte, 0, 256*1024)}
}

// Push feeds one RTP packet into the assembler. An access unit is
// emitted via OnAccessUnit when the packet carrying the marker bit
// completes it.
func (a *H264Assembler) Push(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	naluType := pkt.Payload[0] & naluTypeMask

	switch naluType {
	case naluTypeFUA:
		return a.pushFUA(pkt)
	case naluTypeSTAPA:
		return a.pushSTAPA(pkt)
	default:
		return a.pushSingle(pkt)
	}
}

func (a *H264Assembler) pushFUA(pkt *rtp.Packet) error {
	if len(pkt.Payload) < 2 {
		return fmt.Errorf("assemblers: FU-A packet too short")
	}
	fuIndicator := pkt.Payload[0]
	fuHeader := pkt.Payload[1]
	payload := pkt.Payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & naluTypeMask

	if start {
		a.collecting = true
		a.fuIndicator = fuIndicator & 0xE0
		a.fuType = naluType
		a.fuBuffer = a.fuBuffer[:0]
		a.fuBuffer = append(a.fuBuffer, a.fuIndicator|naluType)
	}
	if !a.collecting {
		return fmt.Errorf("assemblers: FU-A continuation without start")
	}
	if fuIndicator&0xE0 != a.fuIndicator || naluType != a.fuType {
		a.collecting = false
		a.fuBuffer = a.fuBuffer[:0]
		if a.OnMalformed != nil {
			a.OnMalformed("FU-A indicator/type mismatch across fragments")
		}
		return fmt.Errorf("assemblers: FU-A indicator/type mismatch")
	}
	a.fuBuffer = append(a.fuBuffer, payload...)

	if end {
		a.collecting = false
		nalu := append([]byte{}, a.fuBuffer...)
		a.appendNALU(nalu, naluType)
		if pkt.Marker {
			a.emit(pkt.Timestamp)
		}
	}
	return nil
}

func (a *H264Assembler) pushSTAPA(pkt *rtp.Packet) error {
	payload := pkt.Payload[1:]
	for len(payload) > 2 {
		size := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]
		if len(payload) < int(size) {
			return fmt.Errorf("assemblers: STAP-A size exceeds payload")
		}
		nalu := payload[:size]
		payload = payload[size:]
		a.appendNALU(nalu, nalu[0]&naluTypeMask)
	}
	if pkt.Marker {
		a.emit(pkt.Timestamp)
	}
	return nil
}

func (a *H264Assembler) pushSingle(pkt *rtp.Packet) error {
	nalu := pkt.Payload
	a.appendNALU(nalu, nalu[0]&naluTypeMask)
	if pkt.Marker {
		a.emit(pkt.Timestamp)
	}
	return nil
}

func (a *H264Assembler) appendNALU(nalu []byte, naluType byte) {
	switch naluType {
	case naluTypeSPS:
		a.sps = append([]byte{}, nalu...)
	case naluTypePPS:
		a.pps = append([]byte{}, nalu...)
	case naluTypeIFrame:
		a.auKeyframe = true
	}
	a.au = appendAnnexB(a.au, nalu)
}

func (a *H264Assembler) emit(rtpTime uint32) {
	if len(a.au) == 0 {
		return
	}
	frame := Frame{NALUs: a.au, Keyframe: a.auKeyframe, PresentationUs: int64(rtpTime) * 100 / 9}
	a.au = nil
	a.auKeyframe = false
	if a.OnAccessUnit != nil {
		a.OnAccessUnit(frame)
	}
}

// SPS returns the most recently observed SPS NALU, or nil.
func (a *H264Assembler) SPS() []byte { return a.sps }

// PPS returns the most recently observed PPS NALU, or nil.
func (a *H264Assembler) PPS() []byte { return a.pps }

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

func appendAnnexB(dst, nalu []byte) []byte {
	dst = append(dst, annexBStartCode...)
	return append(dst, nalu...)
}
