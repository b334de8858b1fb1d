// Package timesync implements a minimal best-effort clock-offset
// estimator between source and sink: a four-timestamp (T1-T4)
// round-trip exchange over UDP, batched and filtered down to the
// fastest third of samples. Grounded on
// original_source/TimeSyncer.cpp's kWhatSendPacket/kWhatUDPNotify
// exchange and offset/delay arithmetic, and on pkg/rtp.UDPTransport
// for the net.UDPConn setup shape. Deliberately
// thin: WFD does not require tight inter-device sync, only a
// best-effort offset hint for presentation-time bookkeeping.
package timesync

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"time"
)

const sampleWireSize = 32

// samplesPerBatch mirrors kNumPacketsPerBatch: enough round trips to
// filter out one-off network jitter without taking unbounded time.
const samplesPerBatch = 9

// Sample is one T1-T4 round-trip exchange.
type Sample struct {
	T1, T2, T3, T4 int64
}

// RoundTripUs is the client-observed wall-clock round trip.
func (s Sample) RoundTripUs() int64 { return s.T4 - s.T1 }

// OffsetUs is the estimated clock offset between the client and server
// (positive means the server clock reads ahead of the client's).
func (s Sample) OffsetUs() int64 { return ((s.T2 - s.T1) - (s.T4 - s.T3)) / 2 }

func encodeSample(s Sample) []byte {
	buf := make([]byte, sampleWireSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.T1))
	binary.BigEndian.PutUint64(buf[8:16], uint64(s.T2))
	binary.BigEndian.PutUint64(buf[16:24], uint64(s.T3))
	binary.BigEndian.PutUint64(buf[24:32], uint64(s.T4))
	return buf
}

func decodeSample(buf []byte) (Sample, error) {
	if len(buf) != sampleWireSize {
		return Sample{}, fmt.Errorf("timesync: malformed sample, want %d bytes got %d", sampleWireSize, len(buf))
	}
	return Sample{
		T1: int64(binary.BigEndian.Uint64(buf[0:8])),
		T2: int64(binary.BigEndian.Uint64(buf[8:16])),
		T3: int64(binary.BigEndian.Uint64(buf[16:24])),
		T4: int64(binary.BigEndian.Uint64(buf[24:32])),
	}, nil
}

// Server answers a client's T1 probes with T2 (arrival)/T3 (send-back)
// stamped in, per original_source's server-side mIsServer branch.
type Server struct {
	conn *net.UDPConn

	// Now returns the current time in microseconds; overridable for
	// deterministic tests.
	Now func() int64
}

// NewServer wraps an already-bound UDP connection.
func NewServer(conn *net.UDPConn) *Server {
	return &Server{conn: conn, Now: func() int64 { return time.Now().UnixMicro() }}
}

// Serve answers probes until ctx is canceled or the connection errors.
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, sampleWireSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("timesync: server read: %w", err)
		}
		sample, err := decodeSample(buf[:n])
		if err != nil {
			continue
		}
		sample.T2 = s.Now()
		sample.T3 = s.Now()
		if _, err := s.conn.WriteToUDP(encodeSample(sample), addr); err != nil {
			return fmt.Errorf("timesync: server reply: %w", err)
		}
	}
}

// Client drives the round-trip exchange against a fixed remote peer.
type Client struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	Now func() int64
}

// NewClient wraps an already-bound UDP connection pointed at remote.
func NewClient(conn *net.UDPConn, remote *net.UDPAddr) *Client {
	return &Client{conn: conn, remote: remote, Now: func() int64 { return time.Now().UnixMicro() }}
}

// Measure runs one batch of round trips and returns the estimated
// offset in microseconds, averaged over the fastest third of the
// batch's round trips (spec supplement, grounded on
// TimeSyncer::notifyOffset's sort-and-trim logic).
func (c *Client) Measure(ctx context.Context, perSampleTimeout time.Duration) (int64, error) {
	var samples []Sample
	buf := make([]byte, sampleWireSize)

	for i := 0; i < samplesPerBatch; i++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		t1 := c.Now()
		if _, err := c.conn.WriteToUDP(encodeSample(Sample{T1: t1}), c.remote); err != nil {
			return 0, fmt.Errorf("timesync: client send: %w", err)
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(perSampleTimeout))
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return 0, fmt.Errorf("timesync: client read: %w", err)
		}
		sample, err := decodeSample(buf[:n])
		if err != nil || sample.T1 != t1 {
			continue
		}
		sample.T4 = c.Now()
		samples = append(samples, sample)
	}

	if len(samples) == 0 {
		return 0, fmt.Errorf("timesync: no samples completed in batch")
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].RoundTripUs() < samples[j].RoundTripUs() })

	best := len(samples) / 3
	if best == 0 {
		best = 1
	}
	var sum int64
	for _, s := range samples[:best] {
		sum += s.OffsetUs()
	}
	return sum / int64(best), nil
}
