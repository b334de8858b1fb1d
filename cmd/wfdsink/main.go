// Command wfdsink is the sink-side CLI shim (spec §6's "CLI surface
// of the shim", explicitly non-core): it connects to a source as an
// RTSP client, answers the M1-M4 capability exchange, reacts to the
// source's M5 triggers by issuing SETUP/PLAY/PAUSE/TEARDOWN, and
// receives the resulting RTP video stream through
// internal/rtpreceiver and internal/assemblers. No decoding or
// rendering is attempted; received access units are only counted and
// logged. Grounded on cmd/relay/main.go's
// flag/logger/signal-handling shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/ethan/wfd-core/internal/assemblers"
	"github.com/ethan/wfd-core/internal/netsession"
	"github.com/ethan/wfd-core/internal/rtpreceiver"
	"github.com/ethan/wfd-core/internal/rtspfsm"
	"github.com/ethan/wfd-core/internal/wfdlog"
	"github.com/ethan/wfd-core/internal/wfdparams"
	"github.com/ethan/wfd-core/pkg/logger"
)

const (
	defaultConnectPort = 7236
	sinkRTPPort        = 19000 // matches rtspfsm.Sink's hardcoded client_port
	sinkRTCPPort       = 19001
)

var ownVideoFormats = &wfdparams.VideoFormats{
	Profile: 1,
	Level:   0x42,
	CEAMask: 0x00000001,
	MaxHRes: 1920,
	MaxVRes: 1080,
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("wfdsink", flag.ContinueOnError)
	connectAddr := fs.String("c", "", "connect to a source at host[:port], default port 7236")
	connectURI := fs.String("u", "", "connect to a source at an rtsp:// URL")
	testMode := fs.Bool("s", false, "special/test mode: disconnect once playback starts instead of streaming indefinitely")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log output format: text, json")
	logFile := fs.String("log-file", "", "log output file path (default stdout)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -c host[:port] | -u rtsp://host/path [options]\n\nWFD sink shim.\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}

	addr, addrErr := resolveTarget(*connectAddr, *connectURI)
	if addrErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", addrErr)
		fs.Usage()
		return 1
	}

	log, err := buildLogger(*logLevel, *logFormat, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer log.Close()
	logger.SetDefault(log)

	sourceIP, err := resolveHostIP(addr)
	if err != nil {
		log.Error("failed to resolve source address", "addr", addr, "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	reactor := netsession.NewReactor(log)
	clientSess, err := reactor.CreateRtspClient(addr, 5*time.Second)
	if err != nil {
		log.Error("failed to connect to source", "addr", addr, "error", err)
		return 1
	}
	slog := wfdlog.ForSession(wfdlog.New(zerolog.InfoLevel), int32(clientSess.ID))
	slog.Info().Str("source", addr).Msg("connected to wfd source")

	if err := serveSinkSession(ctx, reactor, clientSess.ID, sourceIP, *testMode, slog); err != nil {
		slog.Warn().Err(err).Msg("session ended")
		return 1
	}
	slog.Info().Msg("session complete")
	return 0
}

func buildLogger(level, format, file string) (*logger.Logger, error) {
	cfg := logger.NewConfig()
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = lvl
	fv, err := logger.ParseFormat(format)
	if err != nil {
		return nil, fmt.Errorf("invalid log format %q: %w", format, err)
	}
	cfg.Format = fv
	cfg.OutputFile = file
	return logger.New(cfg)
}

// resolveTarget implements the spec's "-c host[:port] | -u uri"
// mutually exclusive pair, defaulting -c's port to defaultConnectPort.
func resolveTarget(connectAddr, connectURI string) (string, error) {
	if connectAddr == "" && connectURI == "" {
		return "", fmt.Errorf("wfdsink: one of -c or -u is required")
	}
	if connectAddr != "" && connectURI != "" {
		return "", fmt.Errorf("wfdsink: -c and -u are mutually exclusive")
	}
	if connectURI != "" {
		u, err := url.Parse(connectURI)
		if err != nil {
			return "", fmt.Errorf("wfdsink: malformed -u URL %q: %w", connectURI, err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("wfdsink: -u URL %q has no host", connectURI)
		}
		if u.Port() == "" {
			return fmt.Sprintf("%s:%d", u.Hostname(), defaultConnectPort), nil
		}
		return u.Host, nil
	}
	if strings.Contains(connectAddr, ":") {
		return connectAddr, nil
	}
	return fmt.Sprintf("%s:%d", connectAddr, defaultConnectPort), nil
}

func resolveHostIP(addr string) (net.IP, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ipAddr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return nil, fmt.Errorf("wfdsink: resolve %q: %w", host, err)
	}
	return ipAddr.IP, nil
}

// serveSinkSession drives one source connection end to end: it answers
// OPTIONS/GET_PARAMETER/SET_PARAMETER, reacts to triggers by sending
// the triggered request, binds the RTP/RTCP port pair once a SETUP
// response tells it the source's server_port, and then demultiplexes
// the incoming RTP stream until TEARDOWN or the connection drops.
func serveSinkSession(ctx context.Context, reactor *netsession.Reactor, id netsession.ID, sourceIP net.IP, testMode bool, slog zerolog.Logger) error {
	sink := rtspfsm.NewSink(func(data []byte) error { return reactor.SendRequest(id, data) })
	sink.SupportedParams = map[string]string{
		"wfd_video_formats":      ownVideoFormats.Encode(),
		"wfd_audio_codecs":       "none",
		"wfd_content_protection": "none",
		"wfd_client_rtp_ports":   fmt.Sprintf("RTP/AVP/UDP;unicast %d %d", sinkRTPPort, sinkRTCPPort),
	}

	var rtpConn, rtcpConn *net.UDPConn
	var receiver *rtpreceiver.Receiver
	var h264 *assemblers.H264Assembler
	var frames, bytesReceived atomic.Int64

	testDone := make(chan struct{})
	sink.OnStateEnter = func(state string) {
		slog.Debug().Str("state", state).Msg("sink fsm transition")
		if testMode && state == rtspfsm.SinkPlaying {
			go func() {
				time.Sleep(2 * time.Second)
				close(testDone)
			}()
		}
	}

	defer func() {
		if rtpConn != nil {
			rtpConn.Close()
		}
		if rtcpConn != nil {
			rtcpConn.Close()
		}
		reactor.DestroySession(id)
		slog.Info().Int64("frames", frames.Load()).Int64("bytes", bytesReceived.Load()).Msg("reception summary")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-testDone:
			return nil
		case ev, ok := <-reactor.Events:
			if !ok {
				return fmt.Errorf("wfdsink: reactor events closed")
			}
			if ev.Session != id {
				continue
			}

			switch ev.Kind {
			case netsession.EventError:
				return ev.Err

			case netsession.EventData:
				msg := ev.Message
				if msg.IsRequest {
					statusCode, header, body, herr := sink.HandleRequest(ctx, msg)
					respHeader := responseHeader(msg, header)
					if len(body) > 0 {
						respHeader["Content-Type"] = "text/parameters"
					}
					if err := reactor.SendRequest(id, netsession.BuildResponse(statusCode, statusText(statusCode), respHeader, body)); err != nil {
						return err
					}
					if herr != nil {
						slog.Debug().Err(herr).Str("method", msg.Method).Msg("request handling produced a non-fatal FSM error")
					}
				} else {
					if err := sink.HandleResponse(ctx, msg); err != nil {
						slog.Debug().Err(err).Msg("response handling produced a non-fatal FSM error")
					}
					if msg.StatusCode == 200 && strings.Contains(msg.Header["Transport"], "server_port=") && rtpConn == nil {
						p0, p1, perr := parseServerPorts(msg.Header["Transport"])
						if perr != nil {
							slog.Warn().Err(perr).Msg("malformed SETUP response transport header")
							continue
						}
						rtpConn, rtcpConn, perr = dialRTPPair(sourceIP, p0, p1)
						if perr != nil {
							slog.Warn().Err(perr).Msg("failed to bind rtp/rtcp ports")
							continue
						}
						receiver = rtpreceiver.New(90000, "wfdsink", "wfd-core")
						h264 = assemblers.NewH264Assembler()
						h264.OnAccessUnit = func(f assemblers.Frame) {
							frames.Add(1)
							bytesReceived.Add(int64(len(f.NALUs)))
							slog.Debug().Int("bytes", len(f.NALUs)).Bool("keyframe", f.Keyframe).Msg("access unit received")
						}
						receiver.OnDeliver = func(d rtpreceiver.DeliveredPacket) {
							pkt := &rtp.Packet{
								Header: rtp.Header{
									Version:        2,
									Marker:         d.Marker,
									PayloadType:    d.PayloadType,
									SequenceNumber: uint16(d.ExtSeq),
									Timestamp:      d.RTPTime,
									SSRC:           d.SSRC,
								},
								Payload: d.Payload,
							}
							if err := h264.Push(pkt); err != nil {
								slog.Debug().Err(err).Msg("h264 assembler rejected packet")
							}
						}
						receiver.SendRTCP = func(compound []byte) error { _, err := rtcpConn.Write(compound); return err }
						go readRTPLoop(rtpConn, receiver, slog)
						go rtcpReportLoop(ctx, receiver)
					}
				}

			case netsession.EventClientConnected, netsession.EventConnected:
				// no action: the source drives the handshake from M1
			}
		}
	}
}

func responseHeader(req *netsession.RTSPMessage, extra map[string]string) map[string]string {
	h := map[string]string{
		"CSeq":   req.Header["CSeq"],
		"Date":   time.Now().UTC().Format(time.RFC1123),
		"Server": "wfdsink/1.0",
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 405:
		return "Method Not Allowed"
	case 500:
		return "Internal Server Error"
	default:
		return "Error"
	}
}

// parseServerPorts extracts the server_port pair from a SETUP
// response's Transport header, the source's RTP/RTCP listen ports.
func parseServerPorts(transport string) (int, int, error) {
	idx := strings.Index(transport, "server_port=")
	if idx < 0 {
		return 0, 0, fmt.Errorf("wfdsink: no server_port in Transport header %q", transport)
	}
	rest := transport[idx+len("server_port="):]
	if end := strings.IndexByte(rest, ';'); end >= 0 {
		rest = rest[:end]
	}
	parts := strings.SplitN(rest, "-", 2)
	p0, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("wfdsink: malformed server_port %q: %w", rest, err)
	}
	p1 := p0 + 1
	if len(parts) == 2 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			p1 = v
		}
	}
	return p0, p1, nil
}

// dialRTPPair binds the sink's fixed client_port pair (sinkRTPPort/
// sinkRTCPPort) and connects each to the matching source server_port,
// so RTCP reports written to rtcpConn reach the source's listener.
func dialRTPPair(sourceIP net.IP, serverPort0, serverPort1 int) (*net.UDPConn, *net.UDPConn, error) {
	rtpConn, err := net.DialUDP("udp", &net.UDPAddr{Port: sinkRTPPort}, &net.UDPAddr{IP: sourceIP, Port: serverPort0})
	if err != nil {
		return nil, nil, fmt.Errorf("wfdsink: dial RTP: %w", err)
	}
	rtcpConn, err := net.DialUDP("udp", &net.UDPAddr{Port: sinkRTCPPort}, &net.UDPAddr{IP: sourceIP, Port: serverPort1})
	if err != nil {
		rtpConn.Close()
		return nil, nil, fmt.Errorf("wfdsink: dial RTCP: %w", err)
	}
	return rtpConn, rtcpConn, nil
}

func readRTPLoop(conn *net.UDPConn, receiver *rtpreceiver.Receiver, slog zerolog.Logger) {
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if err := receiver.Push(buf[:n]); err != nil {
			slog.Debug().Err(err).Msg("malformed RTP packet")
		}
	}
}

func rtcpReportLoop(ctx context.Context, receiver *rtpreceiver.Receiver) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = receiver.EmitReports()
		}
	}
}
