package tspacketizer

import "encoding/binary"

// buildPATSection builds the PAT section body (table_id through the
// single program entry) without its CRC, per spec §4.5.
func (m *Muxer) buildPATSection() []byte {
	// section_length covers everything after itself up to and
	// including the CRC: transport_stream_id(2) + flags(1) +
	// section_number(1) + last_section_number(1) + one program
	// entry(4) + CRC(4) = 13.
	const sectionLength = 13

	sec := make([]byte, 3+sectionLength)
	sec[0] = 0x00 // table_id: PAT
	sec[1] = 0xB0 | byte(sectionLength>>8&0x0F)
	sec[2] = byte(sectionLength & 0xFF)
	binary.BigEndian.PutUint16(sec[3:5], 0) // transport_stream_id
	sec[5] = 0xC1                           // reserved(2)=11, version=0, current_next=1
	sec[6] = 0x00                           // section_number
	sec[7] = 0x00                           // last_section_number
	binary.BigEndian.PutUint16(sec[8:10], m.programNumber)
	binary.BigEndian.PutUint16(sec[10:12], 0xE000|PIDPMT)
	return sec[:12]
}

// buildPMTSection builds the PMT section body (without CRC).
func (m *Muxer) buildPMTSection() []byte {
	var programInfo []byte
	if m.emitHDCPDescriptor {
		programInfo = append(programInfo, 0x05, 0x05, 'H', 'D', 'C', 'P', m.hdcpVersion)
	}

	var streams []byte
	for _, t := range m.tracks {
		esInfo := trackDescriptors(t)
		entry := make([]byte, 5)
		entry[0] = byte(t.StreamType)
		binary.BigEndian.PutUint16(entry[1:3], 0xE000|t.PID)
		binary.BigEndian.PutUint16(entry[3:5], 0xF000|uint16(len(esInfo)))
		streams = append(streams, entry...)
		streams = append(streams, esInfo...)
	}

	pcrPID := uint16(PIDPCR)
	if len(m.tracks) > 0 {
		pcrPID = m.tracks[0].PID
	}

	head := make([]byte, 0, 12)
	head = append(head, u16(m.programNumber)...)
	head = append(head, 0xC1)       // reserved+version+current_next
	head = append(head, 0x00, 0x00) // section_number, last_section_number
	head = append(head, u16(0xE000|pcrPID)...)
	head = append(head, u16(0xF000|uint16(len(programInfo)))...)
	head = append(head, programInfo...)
	head = append(head, streams...)

	// section_length counts everything from program_number through
	// the CRC inclusive.
	remainderLen := len(head) + 4 // + CRC
	sec := make([]byte, 3)
	sec[0] = 0x02 // table_id: PMT
	sec[1] = 0xB0 | byte((remainderLen>>8)&0x0F)
	sec[2] = byte(remainderLen & 0xFF)
	sec = append(sec, head...)
	return sec
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// trackDescriptors builds the per-track MPEG descriptors emitted into
// the PMT: H.264 video descriptor (tag 40), AVC timing descriptor
// (tag 42), or the LPCM audio stream descriptor (tag 0x83), per spec §4.5.
func trackDescriptors(t *Track) []byte {
	switch t.StreamType {
	case StreamTypeH264:
		return []byte{
			40, 4, 0x4D, 0x40, 0x1F, 0x00, // AVC video descriptor (profile/constraint/level placeholder)
			42, 0, // AVC timing and HRD descriptor, empty body
		}
	case StreamTypeLPCM:
		return []byte{0x83, 0x00}
	default:
		return nil
	}
}

// withCRC appends the big-endian CRC32/MPEG2 of section to section.
func withCRC(section []byte) []byte {
	crc := crc32MPEG2(section)
	out := make([]byte, len(section)+4)
	copy(out, section)
	out[len(section)] = byte(crc >> 24)
	out[len(section)+1] = byte(crc >> 16)
	out[len(section)+2] = byte(crc >> 8)
	out[len(section)+3] = byte(crc)
	return out
}

// PacketizePAT emits one PAT packet and advances its continuity counter.
func (m *Muxer) PacketizePAT() []byte {
	section := withCRC(m.buildPATSection())
	pkt := buildPayloadPacket(PIDPAT, true, m.patCC, padSection(section), nil)
	m.patCC = (m.patCC + 1) & 0xF
	return pkt
}

// PacketizePMT emits one PMT packet and advances its continuity counter.
func (m *Muxer) PacketizePMT() []byte {
	section := withCRC(m.buildPMTSection())
	pkt := buildPayloadPacket(PIDPMT, true, m.pmtCC, padSection(section), nil)
	m.pmtCC = (m.pmtCC + 1) & 0xF
	return pkt
}

// padSection left-aligns a short PSI section within a pointer_field
// byte (always 0 here, since PAT/PMT start at the beginning of the
// TS payload) followed by the section bytes.
func padSection(section []byte) []byte {
	out := make([]byte, 1+len(section))
	out[0] = 0x00 // pointer_field
	copy(out[1:], section)
	return out
}

// PacketizePCR emits one PCR-only packet on PID 0x1000 for time nowUs.
func (m *Muxer) PacketizePCR(nowUs int64) []byte {
	return buildPCROnlyPacket(PIDPCR, m.pcrCC, PCRFromUs(nowUs))
}
