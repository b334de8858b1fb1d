package media

import "fmt"

const (
	lpcmMarker       = 0xA0
	lpcmAUsPerPacket = 6
	lpcmFramesPerAU  = 80
	lpcmChannels     = 2
	lpcmBytesPerSamp = 2
)

// LPCMGrouper assembles raw 16-bit stereo PCM into fixed WFD LPCM PES
// payloads: 6 access units of 80 frames x 2 channels x 2 bytes, each
// preceded by a 4-byte header, with samples byte-swapped from host to
// network order (spec §4.3).
type LPCMGrouper struct {
	quant      byte // quantization: 0 = 16-bit
	sampleRate byte // fs: 0 = 48kHz, 1 = 44.1kHz
	buf        []byte
}

// NewLPCMGrouper creates a grouper for the given quantization/sample
// rate codes (as carried in the header's low bits).
func NewLPCMGrouper(quant, sampleRate byte) *LPCMGrouper {
	return &LPCMGrouper{quant: quant, sampleRate: sampleRate}
}

const bytesPerAU = lpcmFramesPerAU * lpcmChannels * lpcmBytesPerSamp // 320
const bytesPerPESPayload = lpcmAUsPerPacket * bytesPerAU             // 1920

// Push appends host-order interleaved stereo samples and returns zero
// or more complete PES payloads (each prefixed with the 4-byte WFD
// LPCM header) once enough samples have accumulated.
func (g *LPCMGrouper) Push(hostOrderSamples []byte) ([][]byte, error) {
	if len(hostOrderSamples)%2 != 0 {
		return nil, fmt.Errorf("lpcm: sample buffer must be an even number of bytes")
	}
	g.buf = append(g.buf, swapBytes(hostOrderSamples)...)

	var out [][]byte
	for len(g.buf) >= bytesPerPESPayload {
		payload := make([]byte, 4, 4+bytesPerPESPayload)
		payload[0] = lpcmMarker
		payload[1] = lpcmAUsPerPacket
		payload[2] = 0
		payload[3] = (g.quant << 6) | (g.sampleRate << 3) | lpcmChannels
		payload = append(payload, g.buf[:bytesPerPESPayload]...)
		out = append(out, payload)
		g.buf = g.buf[bytesPerPESPayload:]
	}
	return out, nil
}

func swapBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := 0; i+1 < len(b); i += 2 {
		out[i] = b[i+1]
		out[i+1] = b[i]
	}
	return out
}
