package wfdparams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSessionDescriptionIncludesVideoAndAudio(t *testing.T) {
	chosen := &ChosenFormat{Profile: 1, Level: 2}
	desc, err := BuildSessionDescription(42, "192.168.1.10", chosen, 19000, 19002)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.10", desc.Origin.UnicastAddress)
	require.Len(t, desc.MediaDescriptions, 2)
	require.Equal(t, "video", desc.MediaDescriptions[0].MediaName.Media)
	require.Equal(t, 19000, desc.MediaDescriptions[0].MediaName.Port.Value)
	require.Equal(t, "audio", desc.MediaDescriptions[1].MediaName.Media)
	require.Equal(t, 19002, desc.MediaDescriptions[1].MediaName.Port.Value)
}

func TestBuildSessionDescriptionOmitsAbsentTracks(t *testing.T) {
	desc, err := BuildSessionDescription(1, "10.0.0.1", nil, 0, 19002)
	require.NoError(t, err)
	require.Len(t, desc.MediaDescriptions, 1)
	require.Equal(t, "audio", desc.MediaDescriptions[0].MediaName.Media)
}
