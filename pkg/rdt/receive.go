package rdt

import (
	"context"
	"errors"

	"github.com/datawire/dlib/dlog"

	"github.com/rdtproto/rdt-go/pkg/channel"
	"github.com/rdtproto/rdt-go/pkg/packet"
)

// Chunk is the result of a Receive call: at most one of Data (non-empty),
// TimedOut, or EndOfStream is meaningful, matching spec.md §6's
// `Chunk | TimedOut | EndOfStream` return shape.
type Chunk struct {
	Data        []byte
	TimedOut    bool
	EndOfStream bool
}

// Receive returns the next in-order payload chunk, draining the receive
// queue before consulting the wire, per spec.md §4.3.3's processing loop.
func (c *Connection) Receive(ctx context.Context, opts ...ReceiveOption) (Chunk, error) {
	o := c.resolveReceiveOpts(opts)
	c.ch.SetTimeout(o.timeout)

	for {
		if len(c.recvQueue) > 0 {
			data := c.recvQueue[0]
			c.recvQueue = c.recvQueue[1:]
			c.recvBuffered -= uint32(len(data))
			c.maybeSendWindowUpdate(ctx)
			return Chunk{Data: data}, nil
		}
		if c.finReceived {
			if c.state == stateEstablished {
				c.state = stateCloseWait
			}
			return Chunk{EndOfStream: true}, nil
		}

		raw, from, err := c.ch.Recv(ctx, 4096)
		if err != nil {
			if errors.Is(err, channel.ErrTimeout) {
				return Chunk{TimedOut: true}, nil
			}
			return Chunk{}, err
		}
		if !sameHost(from, c.remoteAddr) {
			continue
		}
		p, err := packet.Decode(raw)
		if err != nil {
			dlog.Debugf(ctx, "rdt[%s]: malformed packet while receiving, ignoring", c.logID)
			continue
		}
		if p.ConnID != c.connID {
			continue
		}

		if p.Flags.FIN {
			c.handleFin(ctx, p)
			continue
		}
		if p.Flags.DATA {
			c.handleData(ctx, p)
			continue
		}
		// Any other packet (e.g. a stray pure ACK): ignore and loop.
	}
}

func (c *Connection) handleFin(ctx context.Context, p packet.Packet) {
	if p.Seq+1 > c.recvSeq {
		c.recvSeq = p.Seq + 1
	}
	c.finReceived = true
	if c.state == stateEstablished {
		c.state = stateCloseWait
	}
	dlog.Infof(ctx, "rdt[%s]: FIN received, recv_seq=%d", c.logID, c.recvSeq)
	c.sendPureAck(ctx)
}

func (c *Connection) handleData(ctx context.Context, p packet.Packet) {
	switch {
	case p.Seq == c.recvSeq && len(p.Payload) == 0:
		// A zero-length DATA segment at the expected sequence number is a
		// zero-window probe (send.go's sendWindowProbe): it carries no
		// bytes to buffer, it just forces a fresh rwnd onto the wire.
		dlog.Debugf(ctx, "rdt[%s]: window probe at seq=%d, replying with rwnd=%d", c.logID, p.Seq, c.AvailableRecvWindow())
		c.sendPureAck(ctx)

	case p.Seq == c.recvSeq && uint32(len(p.Payload)) <= c.AvailableRecvWindow():
		c.recvQueue = append(c.recvQueue, p.Payload)
		c.recvBuffered += uint32(len(p.Payload))
		c.recvSeq += uint32(len(p.Payload))
		dlog.Debugf(ctx, "rdt[%s]: buffered DATA seq=%d len=%d recv_seq->%d", c.logID, p.Seq, len(p.Payload), c.recvSeq)
		c.sendPureAck(ctx)

	case p.Seq == c.recvSeq:
		// In-order but exceeds available window: stall the sender by
		// ACKing with the current (small) rwnd, per spec.md §4.3.3.
		dlog.Debugf(ctx, "rdt[%s]: DATA seq=%d exceeds available window, stalling sender", c.logID, p.Seq)
		c.sendPureAck(ctx)

	default:
		// Out-of-order or duplicate: discard and re-ACK recv_seq,
		// inducing a duplicate ACK at the sender (fast retransmit path).
		dlog.Debugf(ctx, "rdt[%s]: out-of-order/duplicate DATA seq=%d (expected %d), discarding", c.logID, p.Seq, c.recvSeq)
		c.sendPureAck(ctx)
	}
}

func (c *Connection) sendPureAck(ctx context.Context) {
	rwnd := c.AvailableRecvWindow()
	raw, err := packet.Encode(packet.Packet{
		ConnID: c.connID,
		Seq:    c.base,
		Ack:    c.recvSeq,
		Flags:  packet.Flags{ACK: true},
		Rwnd:   rwnd,
	})
	if err != nil {
		dlog.Errorf(ctx, "rdt[%s]: encode ACK: %v", c.logID, err)
		return
	}
	if _, err := c.ch.Send(ctx, raw, c.remoteAddr); err != nil {
		dlog.Errorf(ctx, "rdt[%s]: send ACK: %v", c.logID, err)
	}
	c.lastAdvertisedRwnd = rwnd
}

// maybeSendWindowUpdate implements spec.md §4.3.3's unsolicited
// window-update ACK: once the application draining Receive's queue frees
// up a materially larger window than what was last advertised — most
// importantly the zero-to-nonzero transition that breaks a sender stalled
// on a full receive buffer (scenario S3) — push a fresh ACK instead of
// waiting for the peer to ask via a probe.
func (c *Connection) maybeSendWindowUpdate(ctx context.Context) {
	avail := c.AvailableRecvWindow()
	if avail <= c.lastAdvertisedRwnd {
		return
	}
	if c.lastAdvertisedRwnd == 0 || avail-c.lastAdvertisedRwnd >= c.mss {
		dlog.Debugf(ctx, "rdt[%s]: window update %d -> %d", c.logID, c.lastAdvertisedRwnd, avail)
		c.sendPureAck(ctx)
	}
}
