package netsession

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
)

// idrQuirkEnabled gates the wfd_idr_request Content-Length 17-vs-19
// compatibility workaround (spec §9). Off by default; toggled only by
// SetIDRContentLengthQuirk (nothing wires Config.CompatIDRContentLengthQuirk
// to it), never consulted for any other header.
var idrQuirkEnabled atomic.Bool

// SetIDRContentLengthQuirk enables or disables the one-device quirk
// where wfd_idr_request arrives with Content-Length: 17 instead of 19.
func SetIDRContentLengthQuirk(enabled bool) {
	idrQuirkEnabled.Store(enabled)
}

// parseRTSPMessage reads one CRLF-framed RTSP request or response,
// the shared utility referenced by spec §3 ("CRLF header parser").
func parseRTSPMessage(r *bufio.Reader) (*RTSPMessage, error) {
	startLine, err := readCRLFLine(r)
	if err != nil {
		return nil, fmt.Errorf("read start line: %w", err)
	}

	msg := &RTSPMessage{Header: make(map[string]string)}

	if strings.HasPrefix(startLine, "RTSP/") {
		parts := strings.SplitN(startLine, " ", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed status line: %q", startLine)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("malformed status code: %q", parts[1])
		}
		msg.StatusCode = code
		if len(parts) == 3 {
			msg.Reason = parts[2]
		}
	} else {
		parts := strings.SplitN(startLine, " ", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed request line: %q", startLine)
		}
		msg.IsRequest = true
		msg.Method = parts[0]
		msg.URI = parts[1]
	}

	contentLength := 0
	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		msg.Header[key] = val
		if strings.EqualFold(key, "Content-Length") {
			if n, err := strconv.Atoi(val); err == nil {
				contentLength = n
			}
		}
	}

	if contentLength > 0 {
		readLen := contentLength
		if idrQuirkEnabled.Load() && contentLength == 17 {
			peeked, _ := r.Peek(contentLength + 2)
			if len(peeked) == contentLength+2 && strings.Contains(string(peeked), "wfd_idr_request") {
				readLen = contentLength + 2
			}
		}
		body := make([]byte, readLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		msg.Body = body
	}

	return msg, nil
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// BuildRequest renders an RTSP request line, headers, and body into
// wire bytes. header must not include Content-Length; it is computed
// from body and appended last. The other headers are written in map
// iteration order, which is unspecified.
func BuildRequest(method, uri string, header map[string]string, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	writeHeaders(&b, header, body)
	return []byte(b.String())
}

// BuildResponse renders an RTSP status line, headers, and body.
func BuildResponse(statusCode int, reason string, header map[string]string, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %d %s\r\n", statusCode, reason)
	writeHeaders(&b, header, body)
	return []byte(b.String())
}

func writeHeaders(b *strings.Builder, header map[string]string, body []byte) {
	for k, v := range header {
		fmt.Fprintf(b, "%s: %s\r\n", k, v)
	}
	if len(body) > 0 {
		fmt.Fprintf(b, "Content-Length: %d\r\n\r\n", len(body))
		b.Write(body)
	} else {
		b.WriteString("\r\n")
	}
}
