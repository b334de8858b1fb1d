package hdcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingCipher struct {
	calls int
}

func (c *recordingCipher) Init() error { return nil }
func (c *recordingCipher) Shutdown() error { return nil }
func (c *recordingCipher) Encrypt(payload []byte, streamCtr, inputCtr uint64, handle any) error {
	c.calls++
	for i := range payload {
		payload[i] ^= 0xFF
	}
	return nil
}

func TestPrivateDataMarkerBitsAlwaysSet(t *testing.T) {
	f := NewFramer(0x21, nil)
	block, err := f.FrameAccessUnit([]byte{1, 2, 3}, nil)
	require.NoError(t, err)
	require.Len(t, block, 16)

	for _, i := range markerBytes {
		require.NotZero(t, block[i]&0x01, "marker bit at byte %d must be set", i)
	}
	require.Equal(t, byte(0x00), block[0])
	require.Equal(t, byte(0x00), block[6])
}

func TestPrivateDataRoundTrip(t *testing.T) {
	f := NewFramer(0x21, nil)
	block, err := f.FrameAccessUnit(nil, nil)
	require.NoError(t, err)

	streamCtr, inputCtr, err := ParsePrivateData(block)
	require.NoError(t, err)
	require.Equal(t, uint32(0), streamCtr)
	require.Equal(t, uint64(0), inputCtr)
}

func TestCountersAdvancePerAccessUnit(t *testing.T) {
	f := NewFramer(0x21, nil)
	block1, err := f.FrameAccessUnit(nil, nil)
	require.NoError(t, err)
	block2, err := f.FrameAccessUnit(nil, nil)
	require.NoError(t, err)

	sc1, ic1, err := ParsePrivateData(block1)
	require.NoError(t, err)
	sc2, ic2, err := ParsePrivateData(block2)
	require.NoError(t, err)

	require.Equal(t, sc1+1, sc2)
	require.Equal(t, ic1+1, ic2)
}

func TestFrameAccessUnitInvokesCipherWhenNoHandle(t *testing.T) {
	cipher := &recordingCipher{}
	f := NewFramer(0x21, cipher)
	payload := []byte{1, 2, 3}
	_, err := f.FrameAccessUnit(payload, nil)
	require.NoError(t, err)
	require.Equal(t, 1, cipher.calls)
	require.Equal(t, []byte{0xFE, 0xFD, 0xFC}, payload)
}

func TestFrameAccessUnitSkipsCipherMutationWithGPUHandleUnlessCipherHandlesIt(t *testing.T) {
	cipher := &recordingCipher{}
	f := NewFramer(0x21, cipher)
	payload := []byte{1, 2, 3}
	_, err := f.FrameAccessUnit(payload, "gpu-handle")
	require.NoError(t, err)
	require.Equal(t, 1, cipher.calls, "cipher is still notified so it can ack a GPU-side encrypt")
}

func TestParsePrivateDataRejectsMissingMarkerBits(t *testing.T) {
	block := make([]byte, 16)
	_, _, err := ParsePrivateData(block)
	require.Error(t, err)
}

func TestParsePrivateDataRejectsWrongLength(t *testing.T) {
	_, _, err := ParsePrivateData([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestObserverNotifiedOnEveryFrame(t *testing.T) {
	f := NewFramer(0x21, nil)
	var frames []bool
	f.SetObserver(observerFunc(func(streamCtr, inputCtr uint64, encrypted bool) {
		frames = append(frames, encrypted)
	}))
	_, err := f.FrameAccessUnit(nil, nil)
	require.NoError(t, err)
	require.Equal(t, []bool{false}, frames)
}

type observerFunc func(streamCtr, inputCtr uint64, encrypted bool)

func (f observerFunc) OnFramed(streamCtr, inputCtr uint64, encrypted bool) { f(streamCtr, inputCtr, encrypted) }
