package rtpsender

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestSendRawEmitsOnePacketPerAccessUnit(t *testing.T) {
	var sent [][]byte
	s := New(ModeNone, 97, 90000)
	s.Send = func(pkt []byte) error { sent = append(sent, append([]byte{}, pkt...)); return nil }

	require.NoError(t, s.PacketizeAndSend(AccessUnit{Payload: []byte{1, 2, 3}, PresentationUs: 0}))
	require.Len(t, sent, 1)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(sent[0]))
	require.Equal(t, uint32(fixedSSRC), pkt.SSRC)
	require.True(t, pkt.Marker)
	require.Equal(t, []byte{1, 2, 3}, pkt.Payload)
}

func TestSendH264AggregatesSmallNALUsIntoSTAPA(t *testing.T) {
	var sent [][]byte
	s := New(ModeH264, 96, 90000)
	s.Send = func(pkt []byte) error { sent = append(sent, append([]byte{}, pkt...)); return nil }

	au := AccessUnit{NALUs: [][]byte{{0x67, 0x01}, {0x68, 0x02}}, PresentationUs: 0}
	require.NoError(t, s.PacketizeAndSend(au))
	require.Len(t, sent, 1)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(sent[0]))
	require.Equal(t, byte(naluTypeSTAPA), pkt.Payload[0]&0x1F)
	require.True(t, pkt.Marker)
}

func TestSendH264FragmentsLargeNALUIntoFUA(t *testing.T) {
	var sent [][]byte
	s := New(ModeH264, 96, 90000)
	s.Send = func(pkt []byte) error { sent = append(sent, append([]byte{}, pkt...)); return nil }

	big := make([]byte, 2000)
	big[0] = 0x65 // IDR NALU header
	require.NoError(t, s.PacketizeAndSend(AccessUnit{NALUs: [][]byte{big}, PresentationUs: 0}))
	require.Greater(t, len(sent), 1)

	var first, last rtp.Packet
	require.NoError(t, first.Unmarshal(sent[0]))
	require.NoError(t, last.Unmarshal(sent[len(sent)-1]))
	require.Equal(t, byte(naluTypeFUA), first.Payload[0]&0x1F)
	require.True(t, first.Payload[1]&0x80 != 0, "first fragment must set the FU-A start bit")
	require.True(t, last.Payload[1]&0x40 != 0, "last fragment must set the FU-A end bit")
	require.True(t, last.Marker)
}

func TestHistoryRetransmitsOnGenericNACK(t *testing.T) {
	var sent [][]byte
	s := New(ModeNone, 97, 90000)
	s.Send = func(pkt []byte) error { sent = append(sent, append([]byte{}, pkt...)); return nil }

	require.NoError(t, s.PacketizeAndSend(AccessUnit{Payload: []byte{9}, PresentationUs: 0}))
	require.Len(t, sent, 1)

	nack := &rtcp.TransportLayerNack{
		SenderSSRC: fixedSSRC,
		MediaSSRC:  fixedSSRC,
		Nacks:      []rtcp.NackPair{{PacketID: 0, LostPackets: 0}},
	}
	raw, err := nack.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.HandleFeedback(raw))
	require.Len(t, sent, 2, "a matching NACK must trigger exactly one retransmit")
	require.Equal(t, sent[0], sent[1])
}

func TestRetransmitIgnoresUncachedSequence(t *testing.T) {
	var sent [][]byte
	s := New(ModeNone, 97, 90000)
	s.Send = func(pkt []byte) error { sent = append(sent, pkt); return nil }

	nack := &rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 500, LostPackets: 0}}}
	raw, err := nack.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.HandleFeedback(raw))
	require.Empty(t, sent)
}

func TestAppLateFeedbackDecoded(t *testing.T) {
	s := New(ModeNone, 97, 90000)
	var avgLatencyUs, maxLatencyUs uint64
	s.InformSender = func(avg, max uint64) { avgLatencyUs, maxLatencyUs = avg, max }

	appData := make([]byte, 16)
	binary.BigEndian.PutUint64(appData[0:8], 42_000)
	binary.BigEndian.PutUint64(appData[8:16], 120_000)

	body := make([]byte, 0, 28)
	body = append(body, 0x80|0, 204) // V=2, subtype=0, PT=204 (APP)
	lenWords := uint16((4 + 4 + len(appData)) / 4)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, lenWords)
	body = append(body, lenBuf...)
	ssrc := make([]byte, 4)
	body = append(body, ssrc...)
	body = append(body, []byte("late")...)
	body = append(body, appData...)

	require.NoError(t, s.HandleFeedback(body))
	require.Equal(t, uint64(42_000), avgLatencyUs)
	require.Equal(t, uint64(120_000), maxLatencyUs)
}
