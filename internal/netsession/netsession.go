// Package netsession is the network session layer: a table of
// sockets, each framed according to its Mode, multiplexed onto a
// single Notification channel. Spec §4.1 describes a single reactor
// thread selecting over all sockets and a self-pipe wakeup; the
// idiomatic Go substitute is one reader goroutine per session posting
// onto a shared channel, with the session table itself — the one
// structure more than one goroutine touches — protected by a single
// mutex, exactly as spec §5 prescribes for "shared resources".
package netsession

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/wfd-core/pkg/logger"
)

// Mode selects the framing and transport of a created session.
type Mode int

const (
	ModeRtspClient Mode = iota
	ModeRtspServer
	ModeUDP
	ModeTCPDatagramActive
	ModeTCPDatagramPassive
)

// ID is a process-unique 31-bit session identifier, assigned
// monotonically (spec §3).
type ID int32

var idCounter atomic.Int32

func nextID() ID {
	return ID(idCounter.Add(1) & 0x7FFFFFFF)
}

// EventKind enumerates the notifications the reactor delivers,
// replacing the original's per-callback interface with one typed
// event per subsystem (spec §9).
type EventKind int

const (
	EventClientConnected EventKind = iota
	EventConnected
	EventDatagram
	EventData // parsed RTSP message
	EventBinaryData
	EventError
	EventNetworkStall
)

// Event is one notification posted by a session's reader goroutine.
type Event struct {
	Session ID
	Kind    EventKind

	// Datagram / BinaryData payload.
	Payload       []byte
	ArrivalTimeUs int64

	// BinaryData interleaved channel id ($<channel><len16>).
	Channel byte

	// Data: a parsed RTSP-framed message.
	Message *RTSPMessage

	Err error

	// RemoteAddr populated on ClientConnected/Connected.
	RemoteAddr net.Addr
}

// RTSPMessage is the CRLF-framed request or response parsed off an
// RTSP connection.
type RTSPMessage struct {
	IsRequest  bool
	Method     string
	URI        string
	StatusCode int
	Reason     string
	Header     map[string]string
	Body       []byte
}

const sendQueueStallThreshold = 256 * 1024 // bytes queued before NetworkStall

// Session is one entry in the reactor's table.
type Session struct {
	ID   ID
	Mode Mode
	conn net.Conn

	writeMu   sync.Mutex
	queuedLen int

	reader *bufio.Reader

	closed atomic.Bool
}

// Reactor owns the session table and the single output channel events
// are multiplexed onto.
type Reactor struct {
	mu       sync.Mutex
	sessions map[ID]*Session

	Events chan Event
	log    *logger.Logger
}

// NewReactor creates a reactor with a buffered event channel.
func NewReactor(log *logger.Logger) *Reactor {
	return &Reactor{
		sessions: make(map[ID]*Session),
		Events:   make(chan Event, 256),
		log:      log,
	}
}

func (r *Reactor) register(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Reactor) unregister(id ID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Lookup returns the session for id, if it is still registered.
func (r *Reactor) Lookup(id ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// CreateRtspServer wraps an already-accepted TCP connection as an
// RTSP-framed server-side session and starts its reader goroutine.
func (r *Reactor) CreateRtspServer(conn net.Conn) *Session {
	s := &Session{ID: nextID(), Mode: ModeRtspServer, conn: conn, reader: bufio.NewReaderSize(conn, 65536)}
	r.register(s)
	r.Events <- Event{Session: s.ID, Kind: EventClientConnected, RemoteAddr: conn.RemoteAddr()}
	go r.runRTSP(s)
	return s
}

// CreateRtspClient dials addr and frames the connection as RTSP.
func (r *Reactor) CreateRtspClient(addr string, dialTimeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial rtsp: %w", err)
	}
	s := &Session{ID: nextID(), Mode: ModeRtspClient, conn: conn, reader: bufio.NewReaderSize(conn, 65536)}
	r.register(s)
	r.Events <- Event{Session: s.ID, Kind: EventConnected, RemoteAddr: conn.RemoteAddr()}
	go r.runRTSP(s)
	return s, nil
}

// CreateUdpSession opens a UDP socket, optionally pre-connected to a
// remote peer, and starts its reader goroutine.
func (r *Reactor) CreateUdpSession(localAddr, remoteAddr string) (*Session, error) {
	var conn net.Conn
	var err error
	if remoteAddr != "" {
		conn, err = net.Dial("udp", remoteAddr)
	} else {
		var pc net.PacketConn
		pc, err = net.ListenPacket("udp", localAddr)
		if err == nil {
			conn = pc.(net.Conn)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create udp session: %w", err)
	}
	s := &Session{ID: nextID(), Mode: ModeUDP, conn: conn}
	r.register(s)
	go r.runUDP(s)
	return s, nil
}

// CreateTcpDatagramSessionActive dials addr for a 16-bit length-prefixed
// datagram transport used as an alternative RTP carrier.
func (r *Reactor) CreateTcpDatagramSessionActive(addr string) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp datagram: %w", err)
	}
	s := &Session{ID: nextID(), Mode: ModeTCPDatagramActive, conn: conn, reader: bufio.NewReaderSize(conn, 65536)}
	r.register(s)
	go r.runTCPDatagram(s)
	return s, nil
}

// CreateTcpDatagramSessionPassive wraps an accepted connection as the
// passive side of a length-prefixed datagram transport.
func (r *Reactor) CreateTcpDatagramSessionPassive(conn net.Conn) *Session {
	s := &Session{ID: nextID(), Mode: ModeTCPDatagramPassive, conn: conn, reader: bufio.NewReaderSize(conn, 65536)}
	r.register(s)
	go r.runTCPDatagram(s)
	return s
}

// DestroySession closes the underlying socket and unregisters it.
func (r *Reactor) DestroySession(id ID) {
	s, ok := r.Lookup(id)
	if !ok {
		return
	}
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
	}
	r.unregister(id)
}

// SendRequest writes data to the session, queuing under a per-session
// write mutex; emits NetworkStall when the effective queue depth
// estimate exceeds sendQueueStallThreshold.
func (r *Reactor) SendRequest(id ID, data []byte) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("send request: unknown session %d", id)
	}
	s.writeMu.Lock()
	s.queuedLen += len(data)
	stalled := s.queuedLen > sendQueueStallThreshold
	s.writeMu.Unlock()

	if stalled {
		r.Events <- Event{Session: id, Kind: EventNetworkStall}
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := s.conn.Write(data)

	s.writeMu.Lock()
	s.queuedLen -= len(data)
	s.writeMu.Unlock()

	if err != nil {
		r.fail(s, err)
		return err
	}
	return nil
}

// SendBinaryFrame writes a $<channel><len16> interleaved frame
// followed by payload, used for TCP-interleaved RTP transport.
func (r *Reactor) SendBinaryFrame(id ID, channel byte, payload []byte) error {
	hdr := make([]byte, 4)
	hdr[0] = '$'
	hdr[1] = channel
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(payload)))
	return r.SendRequest(id, append(hdr, payload...))
}

func (r *Reactor) fail(s *Session, err error) {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
		r.unregister(s.ID)
		r.Events <- Event{Session: s.ID, Kind: EventError, Err: err}
	}
}

func (r *Reactor) runUDP(s *Session) {
	buf := make([]byte, 65536)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			r.fail(s, err)
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		r.Events <- Event{Session: s.ID, Kind: EventDatagram, Payload: payload, ArrivalTimeUs: time.Now().UnixMicro()}
	}
}

func (r *Reactor) runTCPDatagram(s *Session) {
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(s.reader, lenBuf[:]); err != nil {
			r.fail(s, err)
			return
		}
		size := binary.BigEndian.Uint16(lenBuf[:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(s.reader, payload); err != nil {
			r.fail(s, err)
			return
		}
		r.Events <- Event{Session: s.ID, Kind: EventDatagram, Payload: payload, ArrivalTimeUs: time.Now().UnixMicro()}
	}
}

// runRTSP is the byte-peeking dispatch loop: it tells apart CRLF
// RTSP messages from interleaved $<channel><len16> binary frames,
// grounded on pkg/rtsp.Client's ReadPackets peek-based dispatch.
func (r *Reactor) runRTSP(s *Session) {
	for {
		first, err := s.reader.Peek(1)
		if err != nil {
			r.fail(s, err)
			return
		}

		if first[0] == '$' {
			hdr, err := peekExact(s.reader, 4)
			if err != nil {
				r.fail(s, err)
				return
			}
			channel := hdr[1]
			size := binary.BigEndian.Uint16(hdr[2:4])
			if _, err := s.reader.Discard(4); err != nil {
				r.fail(s, err)
				return
			}
			payload := make([]byte, size)
			if _, err := io.ReadFull(s.reader, payload); err != nil {
				r.fail(s, err)
				return
			}
			r.Events <- Event{Session: s.ID, Kind: EventBinaryData, Channel: channel, Payload: payload}
			continue
		}

		msg, err := parseRTSPMessage(s.reader)
		if err != nil {
			r.fail(s, err)
			return
		}
		r.Events <- Event{Session: s.ID, Kind: EventData, Message: msg}
	}
}

func peekExact(r *bufio.Reader, n int) ([]byte, error) {
	for r.Buffered() < n {
		if _, err := r.Peek(r.Buffered() + 1); err != nil {
			return nil, err
		}
	}
	return r.Peek(n)
}
