package timesync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	return conn
}

func TestSampleOffsetAndRoundTrip(t *testing.T) {
	s := Sample{T1: 1000, T2: 1050, T3: 1060, T4: 1120}
	require.Equal(t, int64(120), s.RoundTripUs())
	// delay = ((1050-1000)+(1120-1060))/2 = 55, offset = ((1050-1000)-(1120-1060))/2 = -5
	require.Equal(t, int64(-5), s.OffsetUs())
}

func TestEncodeDecodeSampleRoundTrips(t *testing.T) {
	s := Sample{T1: 1, T2: 2, T3: 3, T4: 4}
	got, err := decodeSample(encodeSample(s))
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestDecodeSampleRejectsWrongSize(t *testing.T) {
	_, err := decodeSample([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestClientServerMeasureConverges(t *testing.T) {
	serverConn := listenLoopback(t)
	defer serverConn.Close()
	clientConn := listenLoopback(t)
	defer clientConn.Close()

	// Server clock runs 10ms ahead of the client's.
	const skew = 10 * time.Millisecond
	srv := NewServer(serverConn)
	srv.Now = func() int64 { return time.Now().Add(skew).UnixMicro() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	cli := NewClient(clientConn, serverConn.LocalAddr().(*net.UDPAddr))
	offset, err := cli.Measure(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)

	// Allow generous tolerance: this is a real (loopback) UDP round
	// trip, not a simulated clock.
	require.InDelta(t, skew.Microseconds(), offset, float64(5*time.Millisecond.Microseconds()))
}

func TestClientMeasureFailsWithNoServer(t *testing.T) {
	clientConn := listenLoopback(t)
	defer clientConn.Close()
	deadRemote := listenLoopback(t)
	deadRemoteAddr := deadRemote.LocalAddr().(*net.UDPAddr)
	deadRemote.Close()

	cli := NewClient(clientConn, deadRemoteAddr)
	_, err := cli.Measure(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
}
