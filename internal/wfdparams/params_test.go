package wfdparams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDictCaseInsensitive(t *testing.T) {
	d := ParseDict([]byte("wfd_video_formats: 00 00 02 02 00000020 00000000 00000000 00 0000 0000 00 none none\r\nWFD_Audio_Codecs: AAC 00000001 00\r\n"))
	require.Equal(t, "AAC 00000001 00", d["wfd_audio_codecs"])
	require.Contains(t, d["wfd_video_formats"], "00000020")
}

func TestParseVideoFormatsAndBestCommon(t *testing.T) {
	raw := "00 00 02 02 00000020 00000000 00000000 00 0000 0000 00 none none"
	vf, err := ParseVideoFormats(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(0x20), vf.CEAMask)

	chosen, ok := BestCommonFormat(vf, vf)
	require.True(t, ok)
	require.Equal(t, ClassCEA, chosen.Class)
	require.Equal(t, 5, chosen.Index)
	require.Equal(t, 1280, chosen.Resolution.Width)
	require.Equal(t, 720, chosen.Resolution.Height)
	require.Equal(t, 30, chosen.Resolution.FPS)
}

func TestVideoFormatsEncodeRoundTrip(t *testing.T) {
	raw := "05 00 01 03 00000004 00000000 00000000 10 0020 0000 00 0780 0438"
	vf, err := ParseVideoFormats(raw)
	require.NoError(t, err)
	require.Equal(t, raw, vf.Encode())
}

func TestParseContentProtection(t *testing.T) {
	cp, err := ParseContentProtection("HDCP2.1 port=1189")
	require.NoError(t, err)
	require.True(t, cp.Enabled)
	require.Equal(t, "HDCP2.1", cp.Version)
	require.Equal(t, 1189, cp.Port)

	none, err := ParseContentProtection("none")
	require.NoError(t, err)
	require.False(t, none.Enabled)
}

func TestParseClientRTPPorts(t *testing.T) {
	p, err := ParseClientRTPPorts("RTP/AVP/UDP;unicast 19000 0")
	require.NoError(t, err)
	require.Equal(t, 19000, p.Port0)
}
