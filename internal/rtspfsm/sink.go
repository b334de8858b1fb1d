package rtspfsm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/ethan/wfd-core/internal/netsession"
	"github.com/ethan/wfd-core/internal/wfderrors"
)

// Sink states: the sink leaves Idle for Ready on the source's first
// GET_PARAMETER or on its own SETUP response, then follows the
// responses to the PLAY/PAUSE/TEARDOWN requests it sends on the
// source's triggers. No state waits for a trigger, and SinkNegotiating
// is never entered.
const (
	SinkIdle        = "idle"
	SinkNegotiating = "negotiating"
	SinkReady       = "ready"
	SinkPlaying     = "playing"
	SinkPaused      = "paused"
	SinkTornDown    = "torn_down"
)

// Sink drives the sink side of the negotiation: it answers OPTIONS/
// GET_PARAMETER/SET_PARAMETER and, on receiving a trigger, issues the
// named RTSP method back to the source (spec §4.2).
type Sink struct {
	mu sync.Mutex

	fsm     *fsm.FSM
	send    func(data []byte) error
	cseq    int
	pending map[int]pendingRequest

	sessionID string

	// SupportedParams is returned verbatim in response to the M3
	// GET_PARAMETER for wfd_video_formats/wfd_audio_codecs/
	// wfd_content_protection/wfd_client_rtp_ports; populated by the
	// caller before negotiation starts.
	SupportedParams map[string]string

	OnStateEnter func(state string)
}

// NewSink creates a Sink bound to a byte-sending function.
func NewSink(send func(data []byte) error) *Sink {
	s := &Sink{send: send, pending: make(map[int]pendingRequest), SupportedParams: make(map[string]string)}
	s.fsm = fsm.NewFSM(
		SinkIdle,
		fsm.Events{
			{Name: "m4_received", Src: []string{SinkIdle, SinkNegotiating}, Dst: SinkReady},
			{Name: "setup_sent", Src: []string{SinkIdle, SinkNegotiating, SinkReady}, Dst: SinkReady},
			{Name: "play_sent", Src: []string{SinkReady, SinkPaused}, Dst: SinkPlaying},
			{Name: "pause_sent", Src: []string{SinkPlaying}, Dst: SinkPaused},
			{Name: "teardown_sent", Src: []string{SinkReady, SinkPlaying, SinkPaused}, Dst: SinkTornDown},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if s.OnStateEnter != nil {
					s.OnStateEnter(e.Dst)
				}
			},
		},
	)
	return s
}

func (s *Sink) nextCSeq(method string) int {
	s.cseq++
	s.pending[s.cseq] = pendingRequest{method: method, sentAt: time.Now()}
	return s.cseq
}

// HandleRequest answers an inbound request from the source (M1/M3/M4
// probes, or M5's SET_PARAMETER trigger) and returns the status/body
// to send back.
func (s *Sink) HandleRequest(ctx context.Context, msg *netsession.RTSPMessage) (statusCode int, header map[string]string, body []byte, err error) {
	switch msg.Method {
	case "OPTIONS":
		return 200, map[string]string{"Public": "OPTIONS, SET_PARAMETER, GET_PARAMETER"}, nil, nil

	case "GET_PARAMETER":
		s.mu.Lock()
		_ = s.fsm.Event(ctx, "m4_received")
		s.mu.Unlock()
		var b strings.Builder
		for _, k := range []string{"wfd_content_protection", "wfd_video_formats", "wfd_audio_codecs", "wfd_client_rtp_ports"} {
			if v, ok := s.SupportedParams[k]; ok {
				fmt.Fprintf(&b, "%s: %s\r\n", k, v)
			}
		}
		return 200, nil, []byte(b.String()), nil

	case "SET_PARAMETER":
		dict := parseTriggerDict(msg.Body)
		trigger, hasTrigger := dict["wfd_trigger_method"]
		if !hasTrigger {
			return 200, nil, nil, nil
		}
		if err := s.sendTriggeredRequest(strings.ToUpper(strings.TrimSpace(trigger))); err != nil {
			return 500, nil, nil, err
		}
		return 200, nil, nil, nil

	default:
		return 405, nil, nil, wfderrors.New("rtspfsm.Sink.HandleRequest", wfderrors.KindUnsupported, fmt.Errorf("method %s", msg.Method))
	}
}

func (s *Sink) sendTriggeredRequest(method string) error {
	s.mu.Lock()
	cseq := s.nextCSeq(method)
	sessionID := s.sessionID
	s.mu.Unlock()

	header := map[string]string{"CSeq": fmt.Sprintf("%d", cseq)}
	if sessionID != "" {
		header["Session"] = sessionID
	}

	uri := "rtsp://0.0.0.0/wfd1.0/streamid=0"
	var data []byte
	switch method {
	case "SETUP":
		header["Transport"] = "RTP/AVP/UDP;unicast;client_port=19000-19001"
		data = netsession.BuildRequest("SETUP", uri, header, nil)
	case "PLAY":
		data = netsession.BuildRequest("PLAY", uri, header, nil)
	case "PAUSE":
		data = netsession.BuildRequest("PAUSE", uri, header, nil)
	case "TEARDOWN":
		data = netsession.BuildRequest("TEARDOWN", uri, header, nil)
	default:
		return wfderrors.New("rtspfsm.Sink.sendTriggeredRequest", wfderrors.KindUnsupported, fmt.Errorf("trigger method %s", method))
	}
	return s.send(data)
}

// HandleResponse records the sink's own SETUP/PLAY/PAUSE/TEARDOWN
// response, advancing its local state and capturing the Session id
// from the first SETUP response.
func (s *Sink) HandleResponse(ctx context.Context, msg *netsession.RTSPMessage) error {
	cseqStr, ok := msg.Header["CSeq"]
	if !ok {
		return wfderrors.New("rtspfsm.Sink.HandleResponse", wfderrors.KindMalformed, fmt.Errorf("response missing CSeq"))
	}
	var cseq int
	if _, err := fmt.Sscanf(cseqStr, "%d", &cseq); err != nil {
		return wfderrors.New("rtspfsm.Sink.HandleResponse", wfderrors.KindMalformed, err)
	}

	s.mu.Lock()
	req, ok := s.pending[cseq]
	if ok {
		delete(s.pending, cseq)
	}
	if req.method == "SETUP" {
		if sid, ok := msg.Header["Session"]; ok {
			s.sessionID = strings.SplitN(sid, ";", 2)[0]
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var event string
	switch req.method {
	case "SETUP":
		event = "setup_sent"
	case "PLAY":
		event = "play_sent"
	case "PAUSE":
		event = "pause_sent"
	case "TEARDOWN":
		event = "teardown_sent"
	default:
		return nil
	}

	s.mu.Lock()
	err := s.fsm.Event(ctx, event)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rtspfsm: sink %s transition: %w", event, err)
	}
	return nil
}

// State returns the current sink FSM state name.
func (s *Sink) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

func parseTriggerDict(body []byte) map[string]string {
	d := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		d[strings.ToLower(strings.TrimSpace(line[:idx]))] = strings.TrimSpace(line[idx+1:])
	}
	return d
}
