package assemblers

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// AACAssembler depacketizes RFC 3640 AAC-hbr RTP payloads (AU-headers-
// length + 16-bit AU headers: 13-bit size, 3-bit index), grounded on the
// teacher's AACProcessor.
type AACAssembler struct {
	OnAccessUnit func(frame []byte, timestamp uint32)
}

// NewAACAssembler creates an AAC assembler.
func NewAACAssembler() *AACAssembler { return &AACAssembler{} }

// Push depacketizes one RTP packet, emitting zero or more AUs (a single
// packet may aggregate several AAC frames).
func (a *AACAssembler) Push(pkt *rtp.Packet) error {
	payload := pkt.Payload
	if len(payload) < 2 {
		return fmt.Errorf("assemblers: AAC packet too short")
	}

	auHeadersLengthBits := binary.BigEndian.Uint16(payload[:2])
	auHeadersLengthBytes := int((auHeadersLengthBits + 7) / 8)
	if len(payload) < 2+auHeadersLengthBytes {
		return fmt.Errorf("assemblers: AAC packet malformed")
	}

	auHeaders := payload[2 : 2+auHeadersLengthBytes]
	auData := payload[2+auHeadersLengthBytes:]

	offset := 0
	for len(auHeaders) >= 2 {
		auSize := int(binary.BigEndian.Uint16(auHeaders[:2]) >> 3)
		auHeaders = auHeaders[2:]
		if offset+auSize > len(auData) {
			return fmt.Errorf("assemblers: AAC AU size exceeds payload")
		}
		frame := auData[offset : offset+auSize]
		offset += auSize
		if len(frame) > 0 && a.OnAccessUnit != nil {
			a.OnAccessUnit(frame, pkt.Timestamp)
		}
	}
	return nil
}
