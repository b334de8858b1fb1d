package mediaglue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/wfd-core/internal/rtpsender"
	"github.com/ethan/wfd-core/internal/tspacketizer"
)

func TestSplitAnnexBThreeByteStartCodes(t *testing.T) {
	data := []byte{0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x68, 0xBB, 0xCC}
	nalus := splitAnnexB(data)
	require.Len(t, nalus, 2)
	require.Equal(t, []byte{0x67, 0xAA}, nalus[0])
	require.Equal(t, []byte{0x68, 0xBB, 0xCC}, nalus[1])
}

func TestSplitAnnexBFourByteStartCodes(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 0, 1, 0x65, 0xBB, 0xCC}
	nalus := splitAnnexB(data)
	require.Len(t, nalus, 2)
	require.Equal(t, []byte{0x67, 0xAA}, nalus[0])
	require.Equal(t, []byte{0x65, 0xBB, 0xCC}, nalus[1])
}

func TestMediaSenderSchedulesBySmallestTimestamp(t *testing.T) {
	ms := NewElementaryStreamsSender()
	var order []int

	// Capture send order through each track's Send hook; a zero-value
	// rtpsender.Sender is in ModeNone, so each access unit is one packet.
	video := &rtpsender.Sender{Send: func(pkt []byte) error { order = append(order, 0); return nil }}
	audio := &rtpsender.Sender{Send: func(pkt []byte) error { order = append(order, 1); return nil }}
	ms.AddElementaryTrack(0, false, KindRaw, video)
	ms.AddElementaryTrack(1, true, KindRaw, audio)

	require.NoError(t, ms.Push(0, AccessUnit{Data: []byte("v2"), PresentationUs: 200}))
	require.NoError(t, ms.Push(1, AccessUnit{Data: []byte("a1"), PresentationUs: 100}))
	require.NoError(t, ms.Push(0, AccessUnit{Data: []byte("v3"), PresentationUs: 300}))

	require.NoError(t, ms.Flush())
	require.Equal(t, []int{1, 0, 0}, order, "audio@100 must be scheduled before video@200 before video@300")
}

func TestMediaSenderUnknownTrackErrors(t *testing.T) {
	ms := NewElementaryStreamsSender()
	require.Error(t, ms.Push(7, AccessUnit{}))
}

func TestMediaSenderFlushDrainsAllTracks(t *testing.T) {
	ms := NewElementaryStreamsSender()
	var sent int
	video := &rtpsender.Sender{Send: func(pkt []byte) error { sent++; return nil }}
	ms.AddElementaryTrack(0, false, KindRaw, video)

	require.NoError(t, ms.Push(0, AccessUnit{Data: []byte("x"), PresentationUs: 1}))
	require.NoError(t, ms.Push(0, AccessUnit{Data: []byte("y"), PresentationUs: 2}))
	require.NoError(t, ms.Flush())
	require.True(t, sent >= 2)

	ms.mu.Lock()
	require.Empty(t, ms.tracks[0].queue)
	ms.mu.Unlock()
}

func TestTSDemuxerDiscoversFormatFromPATAndPMT(t *testing.T) {
	muxer := tspacketizer.NewMuxer()
	track := muxer.AddTrack(false, tspacketizer.StreamTypeH264, nil)

	pkts, err := muxer.Packetize(track.Index, tspacketizer.AccessUnit{Data: []byte("frame-one"), PresentationUs: 1000},
		tspacketizer.EmitPATAndPMT|tspacketizer.EmitPCR, 1000, nil, 0)
	require.NoError(t, err)

	var joined []byte
	for _, p := range pkts {
		joined = append(joined, p...)
	}

	dmx := NewTSDemuxer()
	var discovered []FormatInfo
	dmx.OnFormatDiscovered = func(fi FormatInfo) { discovered = append(discovered, fi) }
	var units []ReceivedUnit
	dmx.OnAccessUnit = func(u ReceivedUnit) { units = append(units, u) }

	require.NoError(t, dmx.Push(joined))
	dmx.Flush()

	require.Len(t, discovered, 1)
	require.Equal(t, tspacketizer.StreamTypeH264, discovered[0].StreamType)
	require.Len(t, units, 1)
	require.Contains(t, string(units[0].Data), "frame-one")
}

func TestTSDemuxerFlushesOnNextPUSI(t *testing.T) {
	muxer := tspacketizer.NewMuxer()
	track := muxer.AddTrack(false, tspacketizer.StreamTypeH264, nil)

	first, err := muxer.Packetize(track.Index, tspacketizer.AccessUnit{Data: []byte("alpha"), PresentationUs: 1000},
		tspacketizer.EmitPATAndPMT, 1000, nil, 0)
	require.NoError(t, err)
	second, err := muxer.Packetize(track.Index, tspacketizer.AccessUnit{Data: []byte("beta"), PresentationUs: 2000},
		0, 2000, nil, 0)
	require.NoError(t, err)

	dmx := NewTSDemuxer()
	var units []ReceivedUnit
	dmx.OnAccessUnit = func(u ReceivedUnit) { units = append(units, u) }

	for _, p := range first {
		require.NoError(t, dmx.Push(p))
	}
	require.Empty(t, units, "first access unit must not flush until the next PUSI packet arrives")

	for _, p := range second {
		require.NoError(t, dmx.Push(p))
	}
	require.Len(t, units, 1)
	require.Contains(t, string(units[0].Data), "alpha")

	dmx.Flush()
	require.Len(t, units, 2)
	require.Contains(t, string(units[1].Data), "beta")
}
