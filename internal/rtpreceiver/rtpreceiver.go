// Package rtpreceiver implements per-SSRC RTP reordering, loss
// detection, and periodic RTCP RR/SDES reporting, per spec §4.7.
// Grounded on original_source/rtp/RTPReceiver.cpp for the
// kMaxDropout/kMaxMisorder reordering heuristic and on pkg/relay's
// statsLoop goroutine for periodic report emission.
package rtpreceiver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	rtpSeqMod      = 1 << 16
	kMaxDropout    = 3000
	kMaxMisorder   = 100
	packetLostAfter = 100 * time.Millisecond
	reportInterval  = 5 * time.Second
)

// DeliveredPacket is one in-order packet handed to the caller.
type DeliveredPacket struct {
	SSRC        uint32
	PayloadType uint8
	Marker      bool
	RTPTime     uint32
	Payload     []byte
	ExtSeq      uint32
}

type queued struct {
	extSeq  uint32
	pkt     *rtp.Packet
	arrival time.Time
}

// Source tracks per-SSRC reordering state (spec §4.7).
type Source struct {
	ssrc uint32

	haveBase        bool
	haveAwaiting    bool
	baseSeq         uint16
	cycles          uint32
	maxSeq          uint16
	awaitingExtSeq  uint32
	queue           []queued
	firstArrival    time.Time
	firstRTPTime    uint32
	clockRate       uint32

	cumulativeLost int64
	received       uint64
	expectedPrior  uint64
	receivedPrior  uint64
}

func newSource(ssrc uint32, clockRate uint32) *Source {
	return &Source{ssrc: ssrc, clockRate: clockRate}
}

// extendedSeq applies the RFC 3550 Appendix A.1 dropout/misorder
// heuristic and returns the packet's extended (32-bit) sequence
// number, along with whether it should be accepted at all.
func (s *Source) extendedSeq(seq uint16) (uint32, bool) {
	if !s.haveBase {
		s.haveBase = true
		s.baseSeq = seq
		s.maxSeq = seq
		return uint32(seq), true
	}

	udelta := seq - s.maxSeq
	switch {
	case udelta < kMaxDropout:
		if seq < s.maxSeq {
			s.cycles += rtpSeqMod
		}
		s.maxSeq = seq
	case udelta <= rtpSeqMod-kMaxMisorder:
		// big jump: too far ahead to be a reorder, drop (spec §4.7)
		return s.cycles | uint32(seq), false
	default:
		// duplicate or misordered within tolerance
	}
	return s.cycles | uint32(seq), true
}

// Receiver demultiplexes RTP packets across sources and emits periodic
// RTCP reports.
type Receiver struct {
	mu      sync.Mutex
	sources map[uint32]*Source

	clockRate uint32
	cname     string
	tool      string

	// OnDeliver is invoked for every in-order packet, in sequence order.
	OnDeliver func(DeliveredPacket)
	// OnDiscontinuity notifies the active assembler of a declared loss.
	OnDiscontinuity func(ssrc uint32)
	// OnPacketLost is notified once per DeclareLost gap, with the number
	// of packets declared lost in it.
	OnPacketLost func(ssrc uint32, count int)
	// SendRTCP transmits a marshaled compound RTCP packet.
	SendRTCP func([]byte) error
}

// New creates a receiver; clockRate is used to project arrival-time
// deadlines for DeclareLost timers.
func New(clockRate uint32, cname, tool string) *Receiver {
	return &Receiver{sources: make(map[uint32]*Source), clockRate: clockRate, cname: cname, tool: tool}
}

// Push parses and accepts one raw RTP packet.
func (r *Receiver) Push(raw []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return fmt.Errorf("rtpreceiver: unmarshal: %w", err)
	}
	if pkt.Version != 2 {
		return fmt.Errorf("rtpreceiver: unsupported RTP version %d", pkt.Version)
	}

	r.mu.Lock()
	src, ok := r.sources[pkt.SSRC]
	if !ok {
		src = newSource(pkt.SSRC, r.clockRate)
		r.sources[pkt.SSRC] = src
	}
	extSeq, accept := src.extendedSeq(pkt.SequenceNumber)
	if !accept {
		r.mu.Unlock()
		return nil
	}

	now := time.Now()
	if !src.haveBase || src.firstArrival.IsZero() {
		src.firstArrival = now
		src.firstRTPTime = pkt.Timestamp
	}
	if !src.haveAwaiting {
		src.haveAwaiting = true
		src.awaitingExtSeq = extSeq
	}

	if extSeq < src.awaitingExtSeq {
		// arrived late, already declared lost or delivered
		r.mu.Unlock()
		return nil
	}

	src.queue = append(src.queue, queued{extSeq: extSeq, pkt: clonePacket(&pkt), arrival: now})
	sort.Slice(src.queue, func(i, j int) bool { return src.queue[i].extSeq < src.queue[j].extSeq })
	src.received++

	delivered := r.drain(src)
	r.mu.Unlock()

	for _, d := range delivered {
		if r.OnDeliver != nil {
			r.OnDeliver(d)
		}
	}
	return nil
}

// drain pops and returns every in-order packet currently at the head
// of src's queue. Caller must hold r.mu.
func (r *Receiver) drain(src *Source) []DeliveredPacket {
	var out []DeliveredPacket
	for len(src.queue) > 0 && src.queue[0].extSeq == src.awaitingExtSeq {
		head := src.queue[0]
		src.queue = src.queue[1:]
		src.awaitingExtSeq++
		out = append(out, DeliveredPacket{
			SSRC:        head.pkt.SSRC,
			PayloadType: head.pkt.PayloadType,
			Marker:      head.pkt.Marker,
			RTPTime:     head.pkt.Timestamp,
			Payload:     head.pkt.Payload,
			ExtSeq:      head.extSeq,
		})
	}
	return out
}

// DeclareLost is invoked by the caller's timer wheel when the packet
// at awaitingExtSeq has not arrived within packetLostAfter of its
// projected deadline. It advances the cursor past the gap and signals
// discontinuity.
func (r *Receiver) DeclareLost(ssrc uint32) {
	r.mu.Lock()
	src, ok := r.sources[ssrc]
	if !ok || len(src.queue) == 0 {
		r.mu.Unlock()
		return
	}
	gap := int(src.queue[0].extSeq - src.awaitingExtSeq)
	if gap <= 0 {
		r.mu.Unlock()
		return
	}
	src.awaitingExtSeq = src.queue[0].extSeq
	src.cumulativeLost += int64(gap)
	delivered := r.drain(src)
	r.mu.Unlock()

	if r.OnDiscontinuity != nil {
		r.OnDiscontinuity(ssrc)
	}
	if r.OnPacketLost != nil {
		r.OnPacketLost(ssrc, gap)
	}
	for _, d := range delivered {
		if r.OnDeliver != nil {
			r.OnDeliver(d)
		}
	}
}

// PacketLostDeadline returns when DeclareLost should fire for ssrc's
// current head-of-queue gap, or false if there is no pending gap.
func (r *Receiver) PacketLostDeadline(ssrc uint32) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[ssrc]
	if !ok || len(src.queue) == 0 || src.queue[0].extSeq == src.awaitingExtSeq {
		return time.Time{}, false
	}
	elapsedRTP := src.queue[0].pkt.Timestamp - src.firstRTPTime
	projected := src.firstArrival.Add(time.Duration(elapsedRTP) * time.Second / time.Duration(src.clockRate))
	return projected.Add(packetLostAfter), true
}

// EmitReports builds and sends one RR + SDES compound packet
// describing every known source (spec §4.7: every 5s).
func (r *Receiver) EmitReports() error {
	r.mu.Lock()
	var blocks []rtcp.ReceptionReport
	var chunks []rtcp.SourceDescriptionChunk
	for ssrc, src := range r.sources {
		expected := uint64(src.cycles) + uint64(src.maxSeq) - uint64(src.baseSeq) + 1
		expectedInterval := expected - src.expectedPrior
		receivedInterval := src.received - src.receivedPrior
		lostInterval := int64(expectedInterval) - int64(receivedInterval)
		var fraction uint8
		if expectedInterval > 0 && lostInterval > 0 {
			fraction = uint8((lostInterval << 8) / int64(expectedInterval))
		}
		src.expectedPrior = expected
		src.receivedPrior = src.received

		cumLost := src.cumulativeLost
		if cumLost > 0x7FFFFF {
			cumLost = 0x7FFFFF
		} else if cumLost < -0x800000 {
			cumLost = -0x800000
		}

		blocks = append(blocks, rtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       fraction,
			TotalLost:          uint32(cumLost) & 0xFFFFFF,
			LastSequenceNumber: src.cycles | uint32(src.maxSeq),
			Jitter:             0,
			LastSenderReport:   0,
			Delay:              0,
		})
		chunks = append(chunks, rtcp.SourceDescriptionChunk{
			Source: ssrc,
			Items: []rtcp.SourceDescriptionItem{
				{Type: rtcp.SDESCNAME, Text: r.cname},
				{Type: rtcp.SDESTool, Text: r.tool},
			},
		})
	}
	r.mu.Unlock()

	rr := &rtcp.ReceiverReport{SSRC: fixedReporterSSRC, Reports: blocks}
	sdes := &rtcp.SourceDescription{Chunks: chunks}
	compound, err := rtcp.Marshal([]rtcp.Packet{rr, sdes})
	if err != nil {
		return fmt.Errorf("rtpreceiver: marshal RR/SDES: %w", err)
	}
	if r.SendRTCP == nil {
		return nil
	}
	return r.SendRTCP(compound)
}

const fixedReporterSSRC = 0xFEEDFACE

func clonePacket(p *rtp.Packet) *rtp.Packet {
	cp := *p
	cp.Payload = append([]byte{}, p.Payload...)
	return &cp
}
