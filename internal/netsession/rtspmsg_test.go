package netsession

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRTSPMessageRequest(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\nRequire: org.wfa.wfd1.0\r\n\r\n"
	msg, err := parseRTSPMessage(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.True(t, msg.IsRequest)
	require.Equal(t, "OPTIONS", msg.Method)
	require.Equal(t, "org.wfa.wfd1.0", msg.Header["Require"])
}

func TestParseRTSPMessageResponseWithBody(t *testing.T) {
	raw := "RTSP/1.0 200 OK\r\nCSeq: 3\r\nContent-Length: 5\r\n\r\nhello"
	msg, err := parseRTSPMessage(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, 200, msg.StatusCode)
	require.Equal(t, "hello", string(msg.Body))
}

func TestIDRContentLengthQuirk(t *testing.T) {
	SetIDRContentLengthQuirk(true)
	defer SetIDRContentLengthQuirk(false)

	body := "wfd_idr_request\r\n\r\n" // 19 bytes; device claims Content-Length: 17
	raw := "SET_PARAMETER * RTSP/1.0\r\nCSeq: 9\r\nContent-Length: 17\r\n\r\n" + body
	msg, err := parseRTSPMessage(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, 19, len(msg.Body))
}
