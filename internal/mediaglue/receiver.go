package mediaglue

import (
	"encoding/binary"
	"fmt"

	"github.com/ethan/wfd-core/internal/tspacketizer"
)

// FormatInfo is what a MediaReceiver discovers about a track before
// it can start delivering access units: its MPEG-2 stream_type and
// assigned PID (spec §4.9 "forwards discovered formats upward").
type FormatInfo struct {
	PID        uint16
	StreamType tspacketizer.StreamType
}

// ReceivedUnit is one demuxed PES payload delivered upward.
type ReceivedUnit struct {
	PID            uint16
	Data           []byte
	PresentationUs int64
}

// TSDemuxer reconstructs elementary-stream PES payloads from a raw
// Transport Stream byte sequence, discovering tracks from PAT/PMT
// rather than requiring them configured up front (spec §4.9
// "MediaReceiver ... TS-demuxed"). Grounded on
// original_source/MediaReceiver.cpp's ATSParser-backed demux path.
type TSDemuxer struct {
	pmtPID uint16
	havePMT bool

	streams map[uint16]*demuxStream

	OnFormatDiscovered func(FormatInfo)
	OnAccessUnit       func(ReceivedUnit)
}

type demuxStream struct {
	streamType tspacketizer.StreamType
	announced  bool
	buf        []byte
	havePTS    bool
	ptsUs      int64
}

// NewTSDemuxer creates an empty demuxer.
func NewTSDemuxer() *TSDemuxer {
	return &TSDemuxer{streams: make(map[uint16]*demuxStream)}
}

// Push feeds a contiguous run of 188-byte TS packets (as delivered by
// one RTP payload in ModeTransportStream).
func (d *TSDemuxer) Push(data []byte) error {
	for off := 0; off+tspacketizer.PacketSize <= len(data); off += tspacketizer.PacketSize {
		if err := d.pushPacket(data[off : off+tspacketizer.PacketSize]); err != nil {
			return err
		}
	}
	return nil
}

func (d *TSDemuxer) pushPacket(pkt []byte) error {
	if len(pkt) != tspacketizer.PacketSize || pkt[0] != 0x47 {
		return fmt.Errorf("mediaglue: malformed TS packet")
	}
	pusi := pkt[1]&0x40 != 0
	pid := (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
	afc := (pkt[3] >> 4) & 0x3

	payloadStart := 4
	if afc == 0b10 || afc == 0b11 {
		afLen := int(pkt[4])
		payloadStart = 5 + afLen
	}
	if afc == 0b10 || payloadStart > len(pkt) {
		return nil // adaptation-field-only packet (e.g. PCR), no payload
	}
	payload := pkt[payloadStart:]

	switch {
	case pid == tspacketizer.PIDPAT:
		d.parsePAT(payload, pusi)
	case d.havePMT && pid == d.pmtPID:
		d.parsePMT(payload, pusi)
	default:
		d.parseElementary(pid, payload, pusi)
	}
	return nil
}

func (d *TSDemuxer) parsePAT(payload []byte, pusi bool) {
	section := stripPointerField(payload, pusi)
	if len(section) < 12 {
		return
	}
	// program entry starts at byte 8 of the section body (after the
	// 3-byte table header + 5 bytes of PAT-specific fields).
	pmtPID := binary.BigEndian.Uint16(section[10:12]) & 0x1FFF
	d.pmtPID = pmtPID
	d.havePMT = true
}

func (d *TSDemuxer) parsePMT(payload []byte, pusi bool) {
	section := stripPointerField(payload, pusi)
	if len(section) < 12 {
		return
	}
	programInfoLen := int(binary.BigEndian.Uint16(section[10:12]) & 0x0FFF)
	pos := 12 + programInfoLen
	sectionLen := int(binary.BigEndian.Uint16(section[1:3])&0x0FFF) + 3
	if sectionLen > len(section) {
		sectionLen = len(section)
	}
	end := sectionLen - 4 // exclude CRC
	for pos+5 <= end {
		streamType := tspacketizer.StreamType(section[pos])
		pid := binary.BigEndian.Uint16(section[pos+1:pos+3]) & 0x1FFF
		esInfoLen := int(binary.BigEndian.Uint16(section[pos+3:pos+5]) & 0x0FFF)
		pos += 5 + esInfoLen

		st, ok := d.streams[pid]
		if !ok {
			st = &demuxStream{streamType: streamType}
			d.streams[pid] = st
		}
		if !st.announced {
			st.announced = true
			if d.OnFormatDiscovered != nil {
				d.OnFormatDiscovered(FormatInfo{PID: pid, StreamType: streamType})
			}
		}
	}
}

func stripPointerField(payload []byte, pusi bool) []byte {
	if !pusi || len(payload) == 0 {
		return payload
	}
	ptr := int(payload[0])
	if 1+ptr >= len(payload) {
		return nil
	}
	return payload[1+ptr:]
}

func (d *TSDemuxer) parseElementary(pid uint16, payload []byte, pusi bool) {
	st, ok := d.streams[pid]
	if !ok {
		return // PID not yet announced by a PMT we've seen
	}

	if pusi {
		d.flush(pid, st)
		pts, body, ok := parsePESHeader(payload)
		if ok {
			st.havePTS = true
			st.ptsUs = pts
			st.buf = append(st.buf[:0], body...)
			return
		}
	}
	st.buf = append(st.buf, payload...)
}

func (d *TSDemuxer) flush(pid uint16, st *demuxStream) {
	if len(st.buf) == 0 {
		return
	}
	if d.OnAccessUnit != nil {
		data := make([]byte, len(st.buf))
		copy(data, st.buf)
		d.OnAccessUnit(ReceivedUnit{PID: pid, Data: data, PresentationUs: st.ptsUs})
	}
	st.buf = st.buf[:0]
}

// Flush forces delivery of any partially-buffered PES payloads,
// called at stream teardown so the last access unit is not lost.
func (d *TSDemuxer) Flush() {
	for pid, st := range d.streams {
		d.flush(pid, st)
	}
}

// parsePESHeader parses the 9-byte fixed PES prefix plus the 33-bit
// "0010" PTS form, returning the PTS in microseconds and the payload
// following the header (spec §4.5 PES framing, inverse of
// internal/tspacketizer's buildPESHeader).
func parsePESHeader(b []byte) (ptsUs int64, body []byte, ok bool) {
	if len(b) < 9 || b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return 0, nil, false
	}
	headerDataLen := int(b[8])
	if len(b) < 9+headerDataLen {
		return 0, nil, false
	}
	if headerDataLen < 5 {
		return 0, b[9+headerDataLen:], true
	}
	ptsBytes := b[9 : 9+5]
	pts := (uint64(ptsBytes[0]>>1&0x07) << 30) |
		(uint64(ptsBytes[1]) << 22) |
		(uint64(ptsBytes[2]>>1) << 15) |
		(uint64(ptsBytes[3]) << 7) |
		uint64(ptsBytes[4]>>1)
	return int64(pts * 100 / 9), b[9+headerDataLen:], true
}
