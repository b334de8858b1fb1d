package tspacketizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC32MPEG2KnownVector(t *testing.T) {
	// Official CRC-32/MPEG-2 check value for ASCII "123456789".
	require.Equal(t, uint32(0x0376E6E7), crc32MPEG2([]byte("123456789")))
}

func TestPATPacketStructure(t *testing.T) {
	m := NewMuxer()
	m.AddTrack(false, StreamTypeH264, nil)

	pkt := m.PacketizePAT()
	require.Len(t, pkt, PacketSize)
	require.Equal(t, byte(0x47), pkt[0])
	require.Equal(t, uint16(PIDPAT), (uint16(pkt[1]&0x1F)<<8)|uint16(pkt[2]))
	require.True(t, pkt[1]&0x40 != 0, "PAT packet must set payload_unit_start_indicator")
}

func TestContinuityCounterAdvancesPerPID(t *testing.T) {
	m := NewMuxer()
	first := m.PacketizePAT()
	second := m.PacketizePAT()
	require.Equal(t, byte(0x0), first[3]&0xF)
	require.Equal(t, byte(0x1), second[3]&0xF)
}

func TestPCRPacketDoesNotAdvanceContinuity(t *testing.T) {
	m := NewMuxer()
	a := m.PacketizePCR(0)
	b := m.PacketizePCR(1000)
	require.Equal(t, a[3]&0xF, b[3]&0xF, "PCR-only packets carry no payload and must not advance CC")
	require.Equal(t, byte(0b10), (a[3]>>4)&0x3, "adaptation_field_control must be 10 for a PCR-only packet")
}

func TestPMTIncludesHDCPDescriptorWhenEnabled(t *testing.T) {
	m := NewMuxer()
	m.AddTrack(false, StreamTypeH264, nil)
	m.EnableHDCPDescriptor(0x20)

	section := m.buildPMTSection()
	require.Contains(t, string(section), "HDCP")
}

func TestPacketizeEmitsPATPMTPCRThenPES(t *testing.T) {
	m := NewMuxer()
	m.AddTrack(false, StreamTypeH264, nil)

	pkts, err := m.Packetize(0, AccessUnit{Data: make([]byte, 10), PresentationUs: 100000}, EmitPATAndPMT|EmitPCR, 100000, nil, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(pkts), 4)

	require.Equal(t, uint16(PIDPAT), pidOf(pkts[0]))
	require.Equal(t, uint16(PIDPMT), pidOf(pkts[1]))
	require.Equal(t, uint16(PIDPCR), pidOf(pkts[2]))
}

func TestPacketizeRejectsUnknownTrack(t *testing.T) {
	m := NewMuxer()
	_, err := m.Packetize(0, AccessUnit{}, 0, 0, nil, 0)
	require.Error(t, err)
}

func TestEncryptedPacketsPadToSixteenByteMultiples(t *testing.T) {
	m := NewMuxer()
	m.AddTrack(false, StreamTypeH264, nil)

	au := AccessUnit{Data: make([]byte, 500), PresentationUs: 0}
	pkts, err := m.Packetize(0, au, IsEncrypted, 0, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, pkts)

	for i, pkt := range pkts[:len(pkts)-1] {
		afc := (pkt[3] >> 4) & 0x3
		var payloadLen int
		if afc&0x2 != 0 {
			afLen := int(pkt[4])
			payloadLen = PacketSize - 4 - 1 - afLen
		} else {
			payloadLen = PacketSize - 4
		}
		require.Equal(t, 0, payloadLen%16, "packet %d payload must be a multiple of 16 bytes", i)
	}
}

func TestPrependCSDKeepsTimestamp(t *testing.T) {
	au := AccessUnit{Data: []byte{0x01, 0x02}, PresentationUs: 42}
	out := PrependCSD([]byte{0xAA, 0xBB}, au)
	require.Equal(t, []byte{0xAA, 0xBB, 0x01, 0x02}, out.Data)
	require.Equal(t, int64(42), out.PresentationUs)
}

func pidOf(pkt []byte) uint16 {
	return (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
}
