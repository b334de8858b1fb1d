package assemblers

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestH264AssemblerSingleNALU(t *testing.T) {
	a := NewH264Assembler()
	var got Frame
	a.OnAccessUnit = func(f Frame) { got = f }

	pkt := &rtp.Packet{
		Header:  rtp.Header{Marker: true, Timestamp: 900},
		Payload: append([]byte{0x65}, []byte{0xAA, 0xBB}...), // naluType 5 = IDR
	}
	require.NoError(t, a.Push(pkt))
	require.True(t, got.Keyframe)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}, got.NALUs)
	require.Equal(t, int64(10000), got.PresentationUs)
}

func TestH264AssemblerFUA(t *testing.T) {
	a := NewH264Assembler()
	var got Frame
	a.OnAccessUnit = func(f Frame) { got = f }

	fuIndicator := byte(0x60) // nri bits, type field ignored for FU indicator
	start := &rtp.Packet{Payload: []byte{fuIndicator | naluTypeFUA, 0x80 | 5, 0x01, 0x02}}
	end := &rtp.Packet{Header: rtp.Header{Marker: true}, Payload: []byte{fuIndicator | naluTypeFUA, 0x40 | 5, 0x03}}

	require.NoError(t, a.Push(start))
	require.NoError(t, a.Push(end))
	require.True(t, got.Keyframe)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01, 0x02, 0x03}, got.NALUs)
}

func TestH264AssemblerFUAIndicatorMismatchReportsMalformed(t *testing.T) {
	a := NewH264Assembler()
	var reason string
	a.OnMalformed = func(r string) { reason = r }

	start := &rtp.Packet{Payload: []byte{0x60 | naluTypeFUA, 0x80 | 5, 0x01}}
	mismatched := &rtp.Packet{Header: rtp.Header{Marker: true}, Payload: []byte{0x20 | naluTypeFUA, 0x40 | 1, 0x02}}

	require.NoError(t, a.Push(start))
	require.Error(t, a.Push(mismatched))
	require.Contains(t, reason, "mismatch")
}

func TestH264AssemblerFUAContinuationWithoutStartErrors(t *testing.T) {
	a := NewH264Assembler()
	pkt := &rtp.Packet{Payload: []byte{naluTypeFUA, 0x40 | 5, 0x01}}
	require.Error(t, a.Push(pkt))
}

func TestH264AssemblerSTAPA(t *testing.T) {
	a := NewH264Assembler()
	var got Frame
	a.OnAccessUnit = func(f Frame) { got = f }

	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	payload := []byte{naluTypeSTAPA}
	payload = append(payload, 0x00, byte(len(sps)))
	payload = append(payload, sps...)
	payload = append(payload, 0x00, byte(len(pps)))
	payload = append(payload, pps...)

	pkt := &rtp.Packet{Header: rtp.Header{Marker: true}, Payload: payload}
	require.NoError(t, a.Push(pkt))
	require.Equal(t, sps, a.SPS())
	require.Equal(t, pps, a.PPS())
	require.NotEmpty(t, got.NALUs)
}

func TestAACAssemblerSingleAU(t *testing.T) {
	a := NewAACAssembler()
	var frames [][]byte
	a.OnAccessUnit = func(f []byte, ts uint32) { frames = append(frames, f) }

	auData := []byte{0x01, 0x02, 0x03}
	header := make([]byte, 2)
	header[0], header[1] = 0x00, 0x10 // AU-headers-length = 16 bits = one header
	auHeader := make([]byte, 2)
	auHeader[0] = byte((len(auData) << 3) >> 8)
	auHeader[1] = byte(len(auData) << 3)

	payload := append(append(header, auHeader...), auData...)
	pkt := &rtp.Packet{Payload: payload}
	require.NoError(t, a.Push(pkt))
	require.Len(t, frames, 1)
	require.Equal(t, auData, frames[0])
}

func TestTSAssemblerFlagsDiscontinuity(t *testing.T) {
	a := NewTSAssembler()
	var gaps []bool
	a.OnPayload = func(_ []byte, discontinuous bool) { gaps = append(gaps, discontinuous) }

	a.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	a.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}})
	a.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 5}})

	require.Equal(t, []bool{false, false, true}, gaps)
}
