// Package rtspfsm drives the source-side RTSP negotiation state
// machine (spec §4.2) on top of github.com/looplab/fsm, the same
// state-machine library a SIP dialog layer wires for its own
// request/response-driven lifecycle (pkg/dialog/tx.go).
package rtspfsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/ethan/wfd-core/internal/netsession"
	"github.com/ethan/wfd-core/internal/wfderrors"
)

// Source states (spec §4.2).
const (
	StateInitialized              = "initialized"
	StateAwaitingClientConnection = "awaiting_client_connection"
	StateAwaitingClientSetup      = "awaiting_client_setup"
	StateAwaitingClientPlay       = "awaiting_client_play"
	StateAboutToPlay              = "about_to_play"
	StatePlaying                  = "playing"
	StatePlayingToPaused          = "playing_to_paused"
	StatePaused                   = "paused"
	StatePausedToPlaying          = "paused_to_playing"
	StateAwaitingClientTeardown   = "awaiting_client_teardown"
	StateStopping                 = "stopping"
	StateStopped                  = "stopped"
)

const (
	livenessTimeout   = 30 * time.Second
	livenessRefresh   = livenessTimeout - 5*time.Second
	forcedTeardownWait = 2 * time.Second
)

// pendingRequest is one outstanding M1-M5/M16 request awaiting its
// response, keyed by CSeq (spec §4.2 "CSeq handling").
type pendingRequest struct {
	method string
	sentAt time.Time
}

// Source drives the negotiation handshake and trigger/wait states for
// one RTSP channel. It never parses wire bytes itself; Handle* methods
// are fed parsed *netsession.RTSPMessage values by the owning session
// loop.
type Source struct {
	mu sync.Mutex

	fsm *fsm.FSM

	send func(data []byte) error

	cseq    int
	pending map[int]pendingRequest

	sessionID      string
	presentationURL string

	teardownTimer *time.Timer
	livenessTimer *time.Timer

	// OnStateEnter is invoked whenever the FSM transitions, from inside
	// the transition while the Source's lock is held, so a playback
	// session can react to Playing/Paused/Stopped.
	OnStateEnter func(state string)

	// OnTeardownForced fires if an outstanding TEARDOWN trigger goes
	// unanswered for forcedTeardownWait (spec §4.2 "Failure behavior").
	OnTeardownForced func()
}

// NewSource creates a Source bound to a byte-sending function (the
// RTSP channel's netsession.Reactor.SendRequest, typically).
func NewSource(send func(data []byte) error) *Source {
	s := &Source{send: send, pending: make(map[int]pendingRequest)}
	s.fsm = fsm.NewFSM(
		StateInitialized,
		fsm.Events{
			{Name: "connected", Src: []string{StateInitialized}, Dst: StateAwaitingClientConnection},
			{Name: "options_done", Src: []string{StateAwaitingClientConnection}, Dst: StateAwaitingClientSetup},
			{Name: "setup_received", Src: []string{StateAwaitingClientSetup}, Dst: StateAwaitingClientPlay},
			{Name: "play_received", Src: []string{StateAwaitingClientPlay, StatePausedToPlaying}, Dst: StateAboutToPlay},
			{Name: "playing_started", Src: []string{StateAboutToPlay}, Dst: StatePlaying},
			{Name: "pause_received", Src: []string{StatePlaying}, Dst: StatePlayingToPaused},
			{Name: "paused_confirmed", Src: []string{StatePlayingToPaused}, Dst: StatePaused},
			{Name: "play_again_received", Src: []string{StatePaused}, Dst: StatePausedToPlaying},
			{Name: "teardown_received", Src: []string{
				StateAwaitingClientPlay, StateAboutToPlay, StatePlaying,
				StatePlayingToPaused, StatePaused, StatePausedToPlaying,
				StateAwaitingClientTeardown,
			}, Dst: StateStopping},
			{Name: "stopped", Src: []string{StateStopping}, Dst: StateStopped},
			{Name: "force_teardown", Src: []string{
				StateAwaitingClientPlay, StateAboutToPlay, StatePlaying,
				StatePlayingToPaused, StatePaused, StatePausedToPlaying,
			}, Dst: StateAwaitingClientTeardown},
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

// State returns the current FSM state name.
func (s *Source) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// nextCSeq allocates the next outbound CSeq value and registers it in
// the pending-response table.
func (s *Source) nextCSeq(method string) int {
	s.cseq++
	s.pending[s.cseq] = pendingRequest{method: method, sentAt: time.Now()}
	return s.cseq
}

func headerWithCSeq(cseq int, extra map[string]string) map[string]string {
	h := map[string]string{"CSeq": fmt.Sprintf("%d", cseq)}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

// StartHandshake fires the connected->M1 transition and sends
// OPTIONS (M1), the capability probe that opens the exchange (spec
// §4.2).
func (s *Source) StartHandshake(ctx context.Context) error {
	s.mu.Lock()
	if err := s.fsm.Event(ctx, "connected"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("rtspfsm: connected transition: %w", err)
	}
	cseq := s.nextCSeq("OPTIONS")
	s.mu.Unlock()

	data := netsession.BuildRequest("OPTIONS", "*", headerWithCSeq(cseq, map[string]string{
		"Require": "org.wfa.wfd1.0",
	}), nil)
	return s.send(data)
}

// sendTrigger sends an M5 SET_PARAMETER with wfd_trigger_method,
// per spec §4.2; the state transition happens later, on receipt of
// the sink's resulting request, not here.
func (s *Source) sendTrigger(ctx context.Context, method string) error {
	s.mu.Lock()
	cseq := s.nextCSeq("SET_PARAMETER")
	s.mu.Unlock()

	body := []byte(fmt.Sprintf("wfd_trigger_method: %s\r\n", method))
	data := netsession.BuildRequest("SET_PARAMETER", s.presentationURL, headerWithCSeq(cseq, map[string]string{
		"Content-Type": "text/parameters",
	}), body)

	if err := s.send(data); err != nil {
		return err
	}
	if method == "TEARDOWN" {
		s.armForcedTeardown()
	}
	return nil
}

// TriggerSetup sends M5 with wfd_trigger_method: SETUP.
func (s *Source) TriggerSetup(ctx context.Context) error { return s.sendTrigger(ctx, "SETUP") }

// TriggerPlay sends M5 with wfd_trigger_method: PLAY.
func (s *Source) TriggerPlay(ctx context.Context) error { return s.sendTrigger(ctx, "PLAY") }

// TriggerPause sends M5 with wfd_trigger_method: PAUSE.
func (s *Source) TriggerPause(ctx context.Context) error { return s.sendTrigger(ctx, "PAUSE") }

// TriggerTeardown sends M5 with wfd_trigger_method: TEARDOWN and arms
// the 2s forced-disconnect timer.
func (s *Source) TriggerTeardown(ctx context.Context) error { return s.sendTrigger(ctx, "TEARDOWN") }

func (s *Source) armForcedTeardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
	}
	s.teardownTimer = time.AfterFunc(forcedTeardownWait, func() {
		s.mu.Lock()
		state := s.fsm.Current()
		s.mu.Unlock()
		if state == StateStopped || state == StateStopping {
			return
		}
		if s.OnTeardownForced != nil {
			s.OnTeardownForced()
		}
	})
}

func (s *Source) disarmForcedTeardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
		s.teardownTimer = nil
	}
}

// ArmLiveness starts the M16 liveness refresh loop: every
// livenessRefresh (T-5s), send an empty GET_PARAMETER. Stop via ctx
// cancellation.
func (s *Source) ArmLiveness(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(livenessRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				cseq := s.nextCSeq("GET_PARAMETER")
				s.mu.Unlock()
				data := netsession.BuildRequest("GET_PARAMETER", s.presentationURL, headerWithCSeq(cseq, nil), nil)
				_ = s.send(data)
			}
		}
	}()
}

// HandleResponse matches a response to its pending request by CSeq.
// Only the response to M1's OPTIONS moves the FSM (to
// AwaitingClientSetup); other matched responses only clear their
// pending entry. Responses with no matching pending entry are dropped
// per spec §4.2.
func (s *Source) HandleResponse(ctx context.Context, msg *netsession.RTSPMessage) error {
	cseqStr, ok := msg.Header["CSeq"]
	if !ok {
		return wfderrors.New("rtspfsm.HandleResponse", wfderrors.KindMalformed, fmt.Errorf("response missing CSeq"))
	}
	var cseq int
	if _, err := fmt.Sscanf(cseqStr, "%d", &cseq); err != nil {
		return wfderrors.New("rtspfsm.HandleResponse", wfderrors.KindMalformed, err)
	}

	s.mu.Lock()
	req, ok := s.pending[cseq]
	if ok {
		delete(s.pending, cseq)
	}
	s.mu.Unlock()
	if !ok {
		return nil // logged-and-dropped per spec; caller owns logging
	}

	if req.method == "OPTIONS" {
		s.mu.Lock()
		err := s.fsm.Event(ctx, "options_done")
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("rtspfsm: options_done transition: %w", err)
		}
	}
	return nil
}

// HandleRequest processes an inbound request from the sink: the
// SETUP/PLAY/PAUSE/TEARDOWN responses to a prior trigger, or an
// OPTIONS probe (M2's reverse direction). The FSM transitions here,
// on receipt, never on the trigger's own ack (spec §4.2 "Trigger
// semantics").
func (s *Source) HandleRequest(ctx context.Context, msg *netsession.RTSPMessage) (statusCode int, sessionHeader string, err error) {
	switch msg.Method {
	case "OPTIONS":
		return 200, "", nil
	case "SETUP":
		if err := s.transition(ctx, "setup_received"); err != nil {
			return 455, "", err
		}
		if s.sessionID == "" {
			s.sessionID = newSessionID()
		}
		return 200, s.sessionID, nil
	case "PLAY":
		event := "play_received"
		if s.State() == StatePaused {
			event = "play_again_received"
		}
		if err := s.transition(ctx, event); err != nil {
			return 455, s.sessionID, err
		}
		if err := s.transition(ctx, "playing_started"); err != nil {
			return 455, s.sessionID, err
		}
		return 200, s.sessionID, nil
	case "PAUSE":
		if err := s.transition(ctx, "pause_received"); err != nil {
			return 455, s.sessionID, err
		}
		if err := s.transition(ctx, "paused_confirmed"); err != nil {
			return 455, s.sessionID, err
		}
		return 200, s.sessionID, nil
	case "TEARDOWN":
		s.disarmForcedTeardown()
		if err := s.transition(ctx, "teardown_received"); err != nil {
			return 454, s.sessionID, err
		}
		return 200, s.sessionID, nil
	case "GET_PARAMETER", "SET_PARAMETER":
		return 200, s.sessionID, nil
	default:
		return 405, s.sessionID, wfderrors.New("rtspfsm.HandleRequest", wfderrors.KindUnsupported, fmt.Errorf("method %s", msg.Method))
	}
}

func (s *Source) transition(ctx context.Context, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsm.Event(ctx, event); err != nil {
		return wfderrors.New("rtspfsm.transition", wfderrors.KindStateViolation, err)
	}
	return nil
}

// Stop marks the FSM Stopped, for use once the Stopping actor chain
// (converters/sender shutdown) has completed.
func (s *Source) Stop(ctx context.Context) error {
	s.disarmForcedTeardown()
	return s.transition(ctx, "stopped")
}

var sessionIDCounter atomic.Int64

func newSessionID() string {
	return fmt.Sprintf("%010d", sessionIDCounter.Add(1))
}
