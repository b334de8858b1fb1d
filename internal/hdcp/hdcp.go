// Package hdcp provides the pluggable content-protection framing the
// spec requires: a 16-byte private-data block per access unit carrying
// {stream_ctr(32 bits), input_ctr(64 bits)} with the mandatory marker
// bits, plus an observer interface for the actual cipher. The spec
// deliberately keeps HDCP's real cipher external (Non-goal); the
// concrete Cipher here is a testable stand-in built on pion/srtp's
// AES-keystream wiring rather than an invented cipher.
package hdcp

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
)

// markerBytes are the byte indices within the 16-byte private-data
// block whose bit 0 (LSB) must always read 1, per MediaSender.cpp's
// HDCP_private_data layout (spec §4.9).
var markerBytes = [8]int{1, 3, 5, 7, 9, 11, 13, 15}

// Observer is notified of every successfully framed access unit, with
// whether a cipher ran on it; it is not notified when encryption
// fails. Used for diagnostics/test hooks.
type Observer interface {
	OnFramed(streamCtr uint64, inputCtr uint64, encrypted bool)
}

// Cipher is the pluggable encrypt hook. Init/Shutdown bracket a
// session; Encrypt transforms payload in place (or via a GPU handle
// opaque to this package, represented by the handle parameter).
type Cipher interface {
	Init() error
	Encrypt(payload []byte, streamCtr uint64, inputCtr uint64, handle any) error
	Shutdown() error
}

// Framer tracks the per-stream counters and builds the 16-byte private
// data block for each outgoing video access unit. version is carried
// alongside for the PMT HDCP descriptor (spec §4.9) but, per
// MediaSender.cpp, never appears in the private-data block itself.
type Framer struct {
	mu        sync.Mutex
	version   byte
	streamCtr uint32
	inputCtr  uint64
	cipher    Cipher
	observer  Observer
}

// NewFramer creates a framer for one HDCP version byte (spec §4.9:
// the PMT HDCP descriptor carries the same version).
func NewFramer(version byte, cipher Cipher) *Framer {
	return &Framer{version: version, cipher: cipher}
}

// Version returns the HDCP version byte this framer was created with.
func (f *Framer) Version() byte { return f.version }

// SetObserver installs a diagnostics observer.
func (f *Framer) SetObserver(o Observer) { f.observer = o }

// Init starts the underlying cipher session.
func (f *Framer) Init() error {
	if f.cipher == nil {
		return nil
	}
	return f.cipher.Init()
}

// Shutdown stops the underlying cipher session.
func (f *Framer) Shutdown() error {
	if f.cipher == nil {
		return nil
	}
	return f.cipher.Shutdown()
}

// FrameAccessUnit runs the cipher (when one is set) over payload,
// passing handle through so a handle-aware cipher can use its GPU path
// instead of encrypting payload in place, and returns the 16-byte HDCP
// private-data block to prepend to the PES payload.
func (f *Framer) FrameAccessUnit(payload []byte, handle any) ([]byte, error) {
	f.mu.Lock()
	streamCtr := f.streamCtr
	inputCtr := f.inputCtr
	f.streamCtr++
	f.inputCtr++
	f.mu.Unlock()

	encrypted := false
	if handle == nil && f.cipher != nil {
		if err := f.cipher.Encrypt(payload, uint64(streamCtr), inputCtr, nil); err != nil {
			return nil, fmt.Errorf("hdcp: encrypt: %w", err)
		}
		encrypted = true
	} else if handle != nil && f.cipher != nil {
		if err := f.cipher.Encrypt(payload, uint64(streamCtr), inputCtr, handle); err != nil {
			return nil, fmt.Errorf("hdcp: encrypt via handle: %w", err)
		}
		encrypted = true
	}

	if f.observer != nil {
		f.observer.OnFramed(uint64(streamCtr), inputCtr, encrypted)
	}
	return buildPrivateData(streamCtr, inputCtr), nil
}

// buildPrivateData lays {stream_ctr(32 bits), input_ctr(64 bits)} into
// the 16-byte block the way MediaSender.cpp's packetizeAccessUnit does:
// bytes 0 and 6 reserved at 0x00, and every other byte carrying either
// a full 8-bit slice or, at the mandatory marker bytes
// {1,3,5,7,9,11,13,15}, a shorter slice shifted left one bit with the
// marker set in bit 0.
func buildPrivateData(streamCtr uint32, inputCtr uint64) []byte {
	b := make([]byte, 16)
	b[0] = 0x00
	b[1] = byte((streamCtr>>30)&0x3)<<1 | 1
	b[2] = byte((streamCtr >> 22) & 0xff)
	b[3] = byte((streamCtr>>15)&0x7f)<<1 | 1
	b[4] = byte((streamCtr >> 7) & 0xff)
	b[5] = byte(streamCtr&0x7f)<<1 | 1
	b[6] = 0x00
	b[7] = byte((inputCtr>>60)&0xf)<<1 | 1
	b[8] = byte((inputCtr >> 52) & 0xff)
	b[9] = byte((inputCtr>>45)&0x7f)<<1 | 1
	b[10] = byte((inputCtr >> 37) & 0xff)
	b[11] = byte((inputCtr>>30)&0x7f)<<1 | 1
	b[12] = byte((inputCtr >> 22) & 0xff)
	b[13] = byte((inputCtr>>15)&0x7f)<<1 | 1
	b[14] = byte((inputCtr >> 7) & 0xff)
	b[15] = byte(inputCtr&0x7f)<<1 | 1
	return b
}

// ParsePrivateData validates and decodes a 16-byte HDCP private-data
// block, checking every mandatory marker bit before reversing
// buildPrivateData's byte layout.
func ParsePrivateData(b []byte) (streamCtr uint32, inputCtr uint64, err error) {
	if len(b) != 16 {
		return 0, 0, fmt.Errorf("hdcp: private data must be 16 bytes, got %d", len(b))
	}
	for _, i := range markerBytes {
		if b[i]&1 == 0 {
			return 0, 0, fmt.Errorf("hdcp: marker bit at byte %d not set", i)
		}
	}

	streamCtr = uint32(b[1]>>1&0x3)<<30 | uint32(b[2])<<22 | uint32(b[3]>>1&0x7f)<<15 | uint32(b[4])<<7 | uint32(b[5]>>1&0x7f)
	inputCtr = uint64(b[7]>>1&0xf)<<60 | uint64(b[8])<<52 | uint64(b[9]>>1&0x7f)<<45 | uint64(b[10])<<37 |
		uint64(b[11]>>1&0x7f)<<30 | uint64(b[12])<<22 | uint64(b[13]>>1&0x7f)<<15 | uint64(b[14])<<7 | uint64(b[15]>>1&0x7f)
	return streamCtr, inputCtr, nil
}

// SRTPKeystreamCipher is a concrete Cipher built on pion/srtp/v3: it
// synthesizes a throwaway RTP packet per access unit (SSRC derived
// from the HDCP stream_ctr, sequence from input_ctr) and runs it
// through an SRTP encryption context, keeping only the resulting
// ciphertext payload. This is a stand-in for the real HDCP2.x cipher,
// which the spec keeps external to this module.
type SRTPKeystreamCipher struct {
	ctx *srtp.Context
}

// NewSRTPKeystreamCipher derives a context from a 16-byte master key
// and 14-byte master salt (AES-128-CM/HMAC-SHA1-80 profile).
func NewSRTPKeystreamCipher(masterKey, masterSalt []byte) (*SRTPKeystreamCipher, error) {
	ctx, err := srtp.CreateContext(masterKey, masterSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return nil, fmt.Errorf("hdcp: create srtp context: %w", err)
	}
	return &SRTPKeystreamCipher{ctx: ctx}, nil
}

func (c *SRTPKeystreamCipher) Init() error     { return nil }
func (c *SRTPKeystreamCipher) Shutdown() error { return nil }

// Encrypt overwrites payload in place with its SRTP-keystream
// ciphertext. handle is ignored: a GPU-backed handle path has no
// software keystream to run here and is expected to have already
// encrypted the buffer before FrameAccessUnit is called.
func (c *SRTPKeystreamCipher) Encrypt(payload []byte, streamCtr uint64, inputCtr uint64, handle any) error {
	if handle != nil {
		return nil
	}
	header := &rtp.Header{
		Version:        2,
		SSRC:           uint32(streamCtr),
		SequenceNumber: uint16(inputCtr),
		Timestamp:      uint32(inputCtr >> 16),
	}
	out, err := c.ctx.EncryptRTP(nil, header, payload)
	if err != nil {
		return fmt.Errorf("hdcp: srtp encrypt: %w", err)
	}
	// EncryptRTP returns header||ciphertext||authtag; the caller only
	// wants the ciphertext bytes, same length as the plaintext payload.
	hdrLen := header.MarshalSize()
	if len(out) < hdrLen+len(payload) {
		return fmt.Errorf("hdcp: srtp output shorter than expected")
	}
	copy(payload, out[hdrLen:hdrLen+len(payload)])
	return nil
}
