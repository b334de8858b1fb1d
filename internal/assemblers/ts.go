package assemblers

import "github.com/pion/rtp"

// TSAssembler passes MPEG-2 Transport Stream payloads through
// unchanged, flagging RTP sequence-number discontinuities so the
// downstream demuxer can treat the affected packets as lossy rather
// than silently splicing across a gap.
type TSAssembler struct {
	haveLast   bool
	lastSeq    uint16
	OnPayload  func(payload []byte, discontinuous bool)
}

// NewTSAssembler creates a TS passthrough assembler.
func NewTSAssembler() *TSAssembler { return &TSAssembler{} }

// Push forwards one RTP packet's payload (raw 188-byte-aligned TS
// packets per the WFD transport profile).
func (a *TSAssembler) Push(pkt *rtp.Packet) {
	discontinuous := false
	if a.haveLast && pkt.SequenceNumber != a.lastSeq+1 {
		discontinuous = true
	}
	a.lastSeq = pkt.SequenceNumber
	a.haveLast = true

	if a.OnPayload != nil {
		a.OnPayload(pkt.Payload, discontinuous)
	}
}
