// Command wfdsrc is the source-side CLI shim (spec §6's "CLI surface
// of the shim", explicitly non-core): it listens for a sink's TCP
// connection, drives the M1-M5 RTSP handshake over
// internal/rtspfsm.Source, negotiates a common video format over
// internal/wfdparams, and streams either a replayed access-unit file
// (-f) or, without -f, a synthetic repeated test frame through
// internal/playback. Grounded on cmd/relay/main.go's
// flag/logger/signal-handling shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/wfd-core/internal/config"
	"github.com/ethan/wfd-core/internal/media"
	"github.com/ethan/wfd-core/internal/mediaglue"
	"github.com/ethan/wfd-core/internal/netsession"
	"github.com/ethan/wfd-core/internal/playback"
	"github.com/ethan/wfd-core/internal/rtpsender"
	"github.com/ethan/wfd-core/internal/rtspfsm"
	"github.com/ethan/wfd-core/internal/wfdlog"
	"github.com/ethan/wfd-core/internal/wfdparams"
	"github.com/ethan/wfd-core/pkg/logger"
)

const defaultListenPort = 7236

// ownVideoFormats is the fixed capability set this shim advertises.
// CEA index 0 (640x480p60) is close to universally supported, which
// keeps a reference shim's negotiation deterministic.
var ownVideoFormats = &wfdparams.VideoFormats{
	Profile:  1,
	Level:    0x42,
	CEAMask:  0x00000001,
	MaxHRes:  1920,
	MaxVRes:  1080,
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("wfdsrc", flag.ContinueOnError)
	listenAddr := fs.String("l", "", "listen address [ip[:port]], default :7236")
	filePath := fs.String("f", "", "replay access units from this file instead of a synthetic test frame")
	testMode := fs.Bool("s", false, "special/test mode: serve exactly one sink session then exit")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log output format: text, json")
	logFile := fs.String("log-file", "", "log output file path (default stdout)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nWFD source shim.\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}

	log, err := buildLogger(*logLevel, *logFormat, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, cfgErr := config.Load(".env")
	if cfgErr != nil {
		log.Info("no .env config found, using built-in defaults", "error", cfgErr)
	}

	addr := normalizeListenAddr(*listenAddr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to listen", "addr", addr, "error", err)
		return 1
	}
	defer ln.Close()
	log.Info("wfd source listening", "addr", addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
		ln.Close()
	}()

	reactor := netsession.NewReactor(log)
	sessionLog := wfdlog.New(zerolog.InfoLevel)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			log.Error("accept failed", "error", err)
			return 1
		}

		remoteIP := remoteIPOf(conn)
		sess := reactor.CreateRtspServer(conn)
		slog := wfdlog.ForSession(sessionLog, int32(sess.ID))
		slog.Info().Str("remote", conn.RemoteAddr().String()).Msg("sink connected")

		if err := serveSourceSession(ctx, reactor, sess.ID, remoteIP, cfg, *filePath, slog); err != nil {
			slog.Warn().Err(err).Msg("session ended")
		} else {
			slog.Info().Msg("session complete")
		}

		if *testMode {
			return 0
		}
	}
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

func remoteIPOf(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return net.IPv4zero
}

func normalizeListenAddr(l string) string {
	if l == "" {
		return fmt.Sprintf(":%d", defaultListenPort)
	}
	if strings.Contains(l, ":") {
		return l
	}
	return fmt.Sprintf("%s:%d", l, defaultListenPort)
}

// serveSourceSession drives one sink connection end to end: M1 OPTIONS,
// an M3-style capability query, M5 SETUP/PLAY triggers, and then the
// media stream until TEARDOWN or the connection drops.
func serveSourceSession(ctx context.Context, reactor *netsession.Reactor, id netsession.ID, remoteIP net.IP, cfg *config.Config, filePath string, slog zerolog.Logger) error {
	src := rtspfsm.NewSource(func(data []byte) error { return reactor.SendRequest(id, data) })

	localCSeq := 1000 // separate sequence space from rtspfsm's own trigger CSeqs
	nextLocalCSeq := func() int { localCSeq++; return localCSeq }

	var negotiated *wfdparams.ChosenFormat
	var clientIP net.IP
	var clientPort0, clientPort1 int
	var sess *playback.Session
	var rtpConn, rtcpConn *net.UDPConn
	started := false

	src.OnStateEnter = func(state string) {
		slog.Debug().Str("state", state).Msg("source fsm transition")
		switch state {
		case rtspfsm.StatePlaying:
			if sess == nil {
				return
			}
			if !started {
				sess.Start(ctx)
				started = true
			} else {
				sess.Resume()
			}
		case rtspfsm.StatePaused:
			if sess != nil {
				sess.Pause()
			}
		}
	}

	defer func() {
		if sess != nil {
			sess.Teardown()
		}
		if rtpConn != nil {
			rtpConn.Close()
		}
		if rtcpConn != nil {
			rtcpConn.Close()
		}
		reactor.DestroySession(id)
	}()

	if err := src.StartHandshake(ctx); err != nil {
		return fmt.Errorf("wfdsrc: start handshake: %w", err)
	}

	awaitingGetParamCSeq := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-reactor.Events:
			if !ok {
				return fmt.Errorf("wfdsrc: reactor events closed")
			}
			if ev.Session != id {
				continue // shouldn't happen for this single-session shim, but never act on another session's traffic
			}

			switch ev.Kind {
			case netsession.EventError:
				return ev.Err

			case netsession.EventData:
				msg := ev.Message
				if msg.IsRequest {
					statusCode, sessionHeader, herr := src.HandleRequest(ctx, msg)
					header := responseHeader(msg, sessionHeader)

					if msg.Method == "SETUP" {
						p0, p1, transportErr := parseClientPorts(msg.Header["Transport"])
						if transportErr == nil {
							clientIP, clientPort0, clientPort1 = remoteIP, p0, p1
							localPort0, localPort1, perr := bindEvenPortPair()
							if perr == nil {
								rtpConn, rtcpConn, perr = dialRTPPair(localPort0, localPort1, clientIP, clientPort0, clientPort1)
							}
							if perr == nil {
								header["Transport"] = fmt.Sprintf("RTP/AVP/UDP;unicast;client_port=%d-%d;server_port=%d-%d", clientPort0, clientPort1, localPort0, localPort1)
								sess = playback.NewElementaryStreamsSession(playback.TransportUDP, localPort0, localPort1)
								wireVideoTrack(sess, rtpConn, rtcpConn, filePath, cfg, negotiated, slog)
							} else {
								statusCode = 500
							}
						} else {
							statusCode = 461
						}
					}

					if err := reactor.SendRequest(id, netsession.BuildResponse(statusCode, statusText(statusCode), header, nil)); err != nil {
						return err
					}
					if herr != nil {
						slog.Debug().Err(herr).Str("method", msg.Method).Msg("request handling produced a non-fatal FSM error")
					}

					if msg.Method == "SETUP" {
						if err := src.TriggerPlay(ctx); err != nil {
							return err
						}
					}
					if msg.Method == "TEARDOWN" {
						return nil
					}
				} else {
					if err := src.HandleResponse(ctx, msg); err != nil {
						slog.Debug().Err(err).Msg("response handling produced a non-fatal FSM error")
					}
					if msg.StatusCode != 0 && msg.Header["CSeq"] == fmt.Sprintf("%d", awaitingGetParamCSeq) && awaitingGetParamCSeq != 0 {
						negotiated = negotiateFormat(msg.Body, slog)
						if err := src.TriggerSetup(ctx); err != nil {
							return err
						}
					} else if src.State() == rtspfsm.StateAwaitingClientSetup && awaitingGetParamCSeq == 0 {
						awaitingGetParamCSeq = nextLocalCSeq()
						body := []byte("wfd_video_formats\r\nwfd_audio_codecs\r\nwfd_content_protection\r\nwfd_client_rtp_ports\r\n")
						req := netsession.BuildRequest("GET_PARAMETER", "*", map[string]string{
							"CSeq":         fmt.Sprintf("%d", awaitingGetParamCSeq),
							"Content-Type": "text/parameters",
						}, body)
						if err := reactor.SendRequest(id, req); err != nil {
							return err
						}
					}
				}

				if src.State() == rtspfsm.StatePlaying && sess != nil && !sess.IsPaused() {
					sess.TouchLiveness()
				}
			}
		}
	}
}

func responseHeader(req *netsession.RTSPMessage, sessionHeader string) map[string]string {
	h := map[string]string{
		"CSeq":   req.Header["CSeq"],
		"Date":   time.Now().UTC().Format(time.RFC1123),
		"Server": "wfdsrc/1.0",
	}
	if sessionHeader != "" {
		h["Session"] = fmt.Sprintf("%s;timeout=30", sessionHeader)
	}
	return h
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 454:
		return "Session Not Found"
	case 455:
		return "Method Not Valid In This State"
	case 461:
		return "Unsupported Transport"
	case 500:
		return "Internal Server Error"
	default:
		return "Error"
	}
}

// negotiateFormat parses the sink's GET_PARAMETER response body and
// computes the best common video format (spec §4.2).
func negotiateFormat(body []byte, slog zerolog.Logger) *wfdparams.ChosenFormat {
	dict := wfdparams.ParseDict(body)
	value, ok := dict["wfd_video_formats"]
	if !ok {
		slog.Warn().Msg("sink advertised no wfd_video_formats, proceeding with default")
		return nil
	}
	sinkFormats, err := wfdparams.ParseVideoFormats(value)
	if err != nil {
		slog.Warn().Err(err).Msg("malformed wfd_video_formats from sink")
		return nil
	}
	chosen, ok := wfdparams.BestCommonFormat(ownVideoFormats, sinkFormats)
	if !ok {
		slog.Warn().Msg("no common video format with sink")
		return nil
	}
	slog.Info().Int("profile", chosen.Profile).Int("level", chosen.Level).
		Int("width", chosen.Resolution.Width).Int("height", chosen.Resolution.Height).
		Msg("negotiated video format")
	return chosen
}

// parseClientPorts extracts the client_port pair from a Transport
// header value. The sink's IP is not carried in this header; callers
// combine this with the control connection's remote address instead.
func parseClientPorts(transport string) (int, int, error) {
	idx := strings.Index(transport, "client_port=")
	if idx < 0 {
		return 0, 0, fmt.Errorf("wfdsrc: no client_port in Transport header %q", transport)
	}
	rest := transport[idx+len("client_port="):]
	end := strings.IndexAny(rest, ";")
	if end >= 0 {
		rest = rest[:end]
	}
	parts := strings.SplitN(rest, "-", 2)
	p0, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("wfdsrc: malformed client_port %q: %w", rest, err)
	}
	p1 := p0 + 1
	if len(parts) == 2 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			p1 = v
		}
	}
	return p0, p1, nil
}

// bindEvenPortPair picks a random even UDP port in [1024, 65534) for
// RTP, with RTP+1 for RTCP (spec §6 "Port and socket layout"),
// retrying on bind failure.
func bindEvenPortPair() (int, int, error) {
	for attempt := 0; attempt < 20; attempt++ {
		port := 1024 + 2*rand.Intn((65534-1024)/2)
		ln, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		ln.Close()
		ln2, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
		if err != nil {
			continue
		}
		ln2.Close()
		return port, port + 1, nil
	}
	return 0, 0, fmt.Errorf("wfdsrc: could not bind an even RTP/RTCP port pair")
}

func dialRTPPair(localPort0, localPort1 int, remoteIP net.IP, remotePort0, remotePort1 int) (*net.UDPConn, *net.UDPConn, error) {
	rtpConn, err := net.DialUDP("udp", &net.UDPAddr{Port: localPort0}, &net.UDPAddr{IP: remoteIP, Port: remotePort0})
	if err != nil {
		return nil, nil, fmt.Errorf("wfdsrc: dial RTP: %w", err)
	}
	rtcpConn, err := net.DialUDP("udp", &net.UDPAddr{Port: localPort1}, &net.UDPAddr{IP: remoteIP, Port: remotePort1})
	if err != nil {
		rtpConn.Close()
		return nil, nil, fmt.Errorf("wfdsrc: dial RTCP: %w", err)
	}
	return rtpConn, rtcpConn, nil
}

// wireVideoTrack builds the single video track this shim streams: a
// file replay (-f) or a synthetic repeated test frame, converted and
// sent as H.264-over-RTP, with RTCP feedback driving bitrate/framerate
// scaling (spec §4.4).
func wireVideoTrack(sess *playback.Session, rtpConn, rtcpConn *net.UDPConn, filePath string, cfg *config.Config, negotiated *wfdparams.ChosenFormat, slog zerolog.Logger) {
	startBitrate := int64(cfg.VideoBitrateBps)
	if negotiated != nil {
		slog.Info().Int("width", negotiated.Resolution.Width).Int("height", negotiated.Resolution.Height).
			Int("fps", negotiated.Resolution.FPS).Msg("streaming at negotiated resolution")
	}

	sender := rtpsender.New(rtpsender.ModeH264, 97, 90000)
	sender.Send = func(pkt []byte) error { _, err := rtpConn.Write(pkt); return err }
	sender.Pacer = rtpsender.NewPacer(90000)
	sender.SetBitrate(startBitrate)

	conv := media.NewConverter(0, nil)
	conv.SetVideoBitrate(startBitrate)

	// InformSender is wired by Session.AddElementaryTrack below, which
	// drives both the converter's bitrate and the repeater's frame rate
	// off the same sink-feedback sample (spec §4.4); this goroutine just
	// hands the sender the raw RTCP it needs to decode that feedback.
	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := rtcpConn.Read(buf)
			if err != nil {
				return
			}
			if err := sender.HandleFeedback(buf[:n]); err != nil {
				slog.Debug().Err(err).Msg("malformed RTCP feedback")
			}
		}
	}()

	repeater := media.NewRepeaterSource(30)

	var source media.Source
	if filePath != "" {
		fs, err := media.OpenFileSource(filePath)
		if err != nil {
			slog.Warn().Err(err).Str("path", filePath).Msg("failed to open replay file, falling back to synthetic test frame")
			source = repeater
		} else {
			source = fs
		}
	} else {
		// Synthetic test pattern, used whenever -f is not given: a
		// single repeated placeholder access unit; no real encoder is
		// in scope.
		repeater.SetFrame(media.AccessUnit{Data: testFrame(), IsKeyframe: true})
		source = repeater
	}

	sess.AddElementaryTrack(0, false, mediaglue.KindH264, source, conv, sender, repeater)
}

func testFrame() []byte {
	// Annex-B IDR slice placeholder: SPS-ish + PPS-ish + a minimal
	// slice NALU (17, 5 and 257 bytes), small enough that the sender
	// aggregates all three into one STAP-A packet and never needs FU-A
	// fragmentation; not a decodable bitstream.
	nalu := make([]byte, 0, 64)
	nalu = append(nalu, 0, 0, 0, 1, 0x67) // SPS NALU type
	nalu = append(nalu, bytes(16)...)
	nalu = append(nalu, 0, 0, 0, 1, 0x68) // PPS NALU type
	nalu = append(nalu, bytes(4)...)
	nalu = append(nalu, 0, 0, 0, 1, 0x65) // IDR slice NALU type
	nalu = append(nalu, bytes(256)...)
	return nalu
}

func bytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
