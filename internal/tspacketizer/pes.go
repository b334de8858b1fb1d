package tspacketizer

import "encoding/binary"

// AccessUnit is the minimal shape Packetize needs from a media access
// unit; internal/media.AccessUnit satisfies it via the same field names.
type AccessUnit struct {
	Data           []byte
	PresentationUs int64
	IsCodecConfig  bool
}

// ptsFromUs converts a presentation time in microseconds to the 90kHz
// RTP/PES clock: floor(us*9/100) (spec §4.5, §8).
func ptsFromUs(us int64) uint64 {
	return uint64(us) * 9 / 100
}

// writePTS packs a PTS into the 5-byte "0010" 33-bit form used by a
// PES header carrying only a PTS (no DTS).
func writePTS(dst []byte, pts uint64) {
	pts &= 0x1FFFFFFFF
	dst[0] = 0x20 | byte((pts>>29)&0x0E) | 0x01
	dst[1] = byte(pts >> 22)
	dst[2] = byte((pts>>14)&0xFE) | 0x01
	dst[3] = byte(pts >> 7)
	dst[4] = byte((pts<<1)&0xFE) | 0x01
}

// buildPESHeader assembles the 9-byte fixed PES prefix + 5-byte PTS +
// optional stuffing bytes (spec §4.5: "14-byte PES header... plus
// stuffing bytes").
func buildPESHeader(streamID byte, payloadLen int, ptsUs int64, stuffing int) []byte {
	hdr := make([]byte, 9+5+stuffing)
	hdr[0], hdr[1], hdr[2] = 0x00, 0x00, 0x01
	hdr[3] = streamID

	pesPacketLength := 3 + 5 + stuffing + payloadLen // flags(2)+header_data_length(1)+PTS(5)+stuffing+payload
	if pesPacketLength > 0xFFFF {
		pesPacketLength = 0 // unbounded, legal for video per MPEG-2 PES spec
	}
	binary.BigEndian.PutUint16(hdr[4:6], uint16(pesPacketLength))

	hdr[6] = 0x80 // '10' marker bits, no scrambling, no priority/alignment/copyright/original
	hdr[7] = 0x80 // PTS_DTS_flags = '10' (PTS only)
	hdr[8] = byte(5 + stuffing)

	writePTS(hdr[9:14], ptsFromUs(ptsUs))
	for i := 14; i < len(hdr); i++ {
		hdr[i] = 0xFF
	}
	return hdr
}

// PrependCSD concatenates cached codec-specific data with an access
// unit's buffer while preserving its timestamp, for encoders that
// cannot automatically prefix SPS/PPS on IDR frames (spec §4.5).
func PrependCSD(csd []byte, au AccessUnit) AccessUnit {
	combined := make([]byte, 0, len(csd)+len(au.Data))
	combined = append(combined, csd...)
	combined = append(combined, au.Data...)
	return AccessUnit{Data: combined, PresentationUs: au.PresentationUs, IsCodecConfig: au.IsCodecConfig}
}

// Packetize produces the TS packets for one access unit on trackIndex,
// per spec §4.5's emission order: optional PAT, optional PMT, optional
// PCR-only packet, then one or more PES packets.
func (m *Muxer) Packetize(trackIndex int, au AccessUnit, flags Flags, nowUs int64, privateData []byte, stuffingBytes int) ([][]byte, error) {
	if trackIndex < 0 || trackIndex >= len(m.tracks) {
		return nil, errInvalidTrack
	}
	t := m.tracks[trackIndex]

	var out [][]byte
	if flags&EmitPATAndPMT != 0 {
		out = append(out, m.PacketizePAT(), m.PacketizePMT())
	}
	if flags&EmitPCR != 0 {
		out = append(out, m.PacketizePCR(nowUs))
	}

	data := au.Data
	if flags&PrependSPSPPSToIDR != 0 && !au.IsCodecConfig && len(t.CSD) > 0 {
		data = append(append([]byte{}, t.CSD...), data...)
	}

	pesHeader := buildPESHeader(t.StreamID, len(data)+len(privateData), au.PresentationUs, stuffingBytes)
	unit := make([]byte, 0, len(pesHeader)+len(privateData)+len(data))
	unit = append(unit, pesHeader...)
	unit = append(unit, privateData...)
	unit = append(unit, data...)

	padTo16 := flags&IsEncrypted != 0
	pesPackets := m.packetizeUnit(t, unit, padTo16)
	out = append(out, pesPackets...)
	return out, nil
}

var errInvalidTrack = &trackError{"invalid track index"}

type trackError struct{ msg string }

func (e *trackError) Error() string { return e.msg }

// packetizeUnit splits a complete PES unit across 188-byte TS packets,
// enforcing the HDCP padding rule: every packet except the final
// fragment carries a multiple of 16 bytes of payload when padTo16 is set.
func (m *Muxer) packetizeUnit(t *Track, unit []byte, padTo16 bool) [][]byte {
	const fullBudget = PacketSize - 4
	perPacketMax := fullBudget
	if padTo16 {
		perPacketMax = (fullBudget / 16) * 16
	}

	var packets [][]byte
	offset := 0
	first := true
	for offset < len(unit) {
		remaining := len(unit) - offset
		isLast := remaining <= perPacketMax
		chunkSize := perPacketMax
		if isLast {
			chunkSize = remaining
		}
		chunk := unit[offset : offset+chunkSize]
		offset += chunkSize

		cc := m.nextCC(t)
		packets = append(packets, buildPayloadPacket(t.PID, first, cc, chunk, nil))
		first = false
	}
	return packets
}
