// Package rdt implements the connection endpoint state machine from
// spec.md §4.3: three-way handshake, pipelined send with AIMD congestion
// control and fast retransmit, in-order receive with flow control, and a
// four-way close. One Connection serves exactly one peer; see spec.md §1's
// non-goal on demultiplexing many peers on one listening endpoint.
package rdt

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/rdtproto/rdt-go/pkg/channel"
)

// state is the connection's position in the handshake/teardown diagram
// (spec.md §3, §4.3.1, §4.3.4).
type state int32

const (
	stateListen state = iota
	stateSynSent
	stateSynRcvd
	stateEstablished
	stateCloseWait
	stateFinWait
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateListen:
		return "LISTEN"
	case stateSynSent:
		return "SYN_SENT"
	case stateSynRcvd:
		return "SYN_RCVD"
	case stateEstablished:
		return "ESTABLISHED"
	case stateCloseWait:
		return "CLOSE_WAIT"
	case stateFinWait:
		return "FIN_WAIT"
	case stateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// outSegment is one entry of the send side's unacked map: the serialized
// packet as last transmitted, plus the byte length it covers (spec.md §3's
// "unacked — an ordered map from segment starting sequence to (serialized
// packet, byte length)").
type outSegment struct {
	raw    []byte
	length uint32
}

// Connection is a single established (or in-handshake / in-teardown) rdt
// endpoint. All state transitions happen on the goroutine that calls Send,
// Receive, or Close; see spec.md §5 — there is no internal locking.
type Connection struct {
	ch         channel.Channel
	cfg        *Config
	metrics    *Metrics
	logID      uuid.UUID
	remoteAddr net.Addr
	connID     uint32
	state      state

	// send side (spec.md §3, §4.3.2)
	sendISN uint32
	base    uint32
	nextSeq uint32
	unacked map[uint32]outSegment

	peerRwnd      uint32
	peerRwndKnown bool

	mss         uint32
	cwnd        uint32
	ssthresh    uint32
	dupAckCount int

	// receive side (spec.md §3, §4.3.3)
	recvISN       uint32
	recvSeq       uint32
	recvBufferCap uint32
	recvBuffered  uint32
	recvQueue     [][]byte
	finReceived   bool

	// lastAdvertisedRwnd is the rwnd value this side last put on the wire,
	// so the consume path (receive.go) can tell whether freed buffer space
	// is worth an unsolicited window-update ACK (spec.md §4.3.3).
	lastAdvertisedRwnd uint32

	// finSeq is the sequence number this side's own FIN was sent with,
	// recorded once Close begins, so a FIN's ACK can be recognized.
	finSeq      uint32
	finSeqValid bool
}

// AvailableRecvWindow returns the free space in the receive buffer, the
// rwnd this side advertises on every outgoing packet (spec.md §4.3.3, §6).
func (c *Connection) AvailableRecvWindow() uint32 {
	if c.recvBuffered >= c.recvBufferCap {
		return 0
	}
	return c.recvBufferCap - c.recvBuffered
}

// State returns the endpoint's current state, mostly useful for logging and
// tests; spec.md does not expose this on the public interface but every
// invariant in §3 is phrased in terms of it.
func (c *Connection) State() string {
	return c.state.String()
}

func (c *Connection) bytesInFlight() uint32 {
	return c.nextSeq - c.base
}

// effectiveWindow implements spec.md §4.3.2's
// min(N·mss, peer_rwnd, cwnd), treating an unlearned peer_rwnd as
// unbounded per §9's guidance ("Peer window initialization to
// 'unbounded'").
func (c *Connection) effectiveWindow() uint32 {
	w := c.cfg.MaxOutstanding * c.mss
	if w > c.cwnd {
		w = c.cwnd
	}
	if c.peerRwndKnown && c.peerRwnd < w {
		w = c.peerRwnd
	}
	return w
}

func (c *Connection) observeWindows() {
	c.metrics.Cwnd.Set(float64(c.cwnd))
	c.metrics.Ssthresh.Set(float64(c.ssthresh))
	c.metrics.BytesInFlight.Set(float64(c.bytesInFlight()))
}

func newConnection(ch channel.Channel, cfg *Config, metrics *Metrics, remoteAddr net.Addr, connID uint32) *Connection {
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &Connection{
		ch:                 ch,
		cfg:                cfg,
		metrics:            metrics,
		logID:              uuid.New(),
		remoteAddr:         remoteAddr,
		connID:             connID,
		unacked:            make(map[uint32]outSegment),
		mss:                cfg.MSS,
		cwnd:               cfg.MSS,
		ssthresh:           cfg.InitialSsthresh,
		recvBufferCap:      cfg.RecvBufferCapacity,
		lastAdvertisedRwnd: cfg.RecvBufferCapacity,
	}
}
