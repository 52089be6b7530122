package rdt

import (
	"context"
	"errors"
	"sort"

	"github.com/datawire/dlib/dlog"

	"github.com/rdtproto/rdt-go/pkg/channel"
	"github.com/rdtproto/rdt-go/pkg/packet"
)

// Send transfers the entire payload as an ordered byte sequence and returns
// only once every byte has been cumulatively acknowledged, implementing the
// pipeline of spec.md §4.3.2. An empty payload is a no-op that never
// touches the wire (spec.md §8, B1).
func (c *Connection) Send(ctx context.Context, payload []byte, opts ...SendOption) error {
	if len(payload) == 0 {
		return nil
	}
	o := c.resolveSendOpts(opts)

	c.ch.SetTimeout(o.timeout)
	finalAck := c.base + uint32(len(payload))
	payloadStart := c.base
	timeoutAttempts := 0

	for c.base < finalAck {
		c.fillWindow(ctx, payload, payloadStart, finalAck)

		raw, from, err := c.ch.Recv(ctx, 4096)
		if err != nil {
			if errors.Is(err, channel.ErrTimeout) {
				if len(c.unacked) > 0 {
					c.retransmitAll(ctx)
				} else {
					// Nothing outstanding: the common shape of a sustained
					// zero receiver window. Probe instead of retransmitting
					// nothing, so the peer is forced to answer with its
					// current rwnd (spec.md §4.3.2/§4.3.3).
					c.sendWindowProbe(ctx)
				}
				c.onTimeout()
				timeoutAttempts++
				if timeoutAttempts >= o.retries {
					return wrapf(ErrDeliveryFailed, "timed out after %d attempts, base=%d final_ack=%d", timeoutAttempts, c.base, finalAck)
				}
				continue
			}
			return wrapf(ErrDeliveryFailed, "recv: %v", err)
		}

		if !sameHost(from, c.remoteAddr) {
			continue
		}
		p, err := packet.Decode(raw)
		if err != nil {
			dlog.Debugf(ctx, "rdt[%s]: malformed packet while sending, ignoring", c.logID)
			continue
		}
		if p.ConnID != c.connID || !p.Flags.ACK || p.Flags.DATA {
			dlog.Debugf(ctx, "rdt[%s]: non-ACK or ACK+DATA packet while sending, ignoring", c.logID)
			continue
		}

		// Any valid ACK, even a stale one or a reply to a window probe,
		// proves the peer is alive and answering: it isn't the silence a
		// timeout-retry budget exists to catch, so it resets the count.
		timeoutAttempts = 0

		c.peerRwnd = p.Rwnd
		c.peerRwndKnown = true

		a := p.Ack
		if a > finalAck {
			a = finalAck
		}

		switch {
		case a < c.base:
			dlog.Debugf(ctx, "rdt[%s]: stale ACK %d < base %d, ignoring", c.logID, a, c.base)

		case a == c.base:
			c.dupAckCount++
			dlog.Debugf(ctx, "rdt[%s]: duplicate ACK %d (count=%d)", c.logID, a, c.dupAckCount)
			if c.dupAckCount == 3 {
				c.fastRetransmit(ctx)
			}

		default: // a > c.base
			c.advanceBase(ctx, a, finalAck, &timeoutAttempts)
		}
	}

	return nil
}

// fillWindow implements spec.md §4.3.2(a): queue new segments up to
// min(N·mss, peer_rwnd, cwnd), each no larger than mss.
func (c *Connection) fillWindow(ctx context.Context, payload []byte, payloadStart, finalAck uint32) {
	window := c.effectiveWindow()
	edge := c.base + window
	limit := finalAck
	if edge < limit {
		limit = edge
	}

	for c.nextSeq < limit {
		remaining := limit - c.nextSeq
		segLen := remaining
		if segLen > c.mss {
			segLen = c.mss
		}
		offset := c.nextSeq - payloadStart
		segment := payload[offset : offset+segLen]

		raw, err := packet.Encode(packet.Packet{
			ConnID:  c.connID,
			Seq:     c.nextSeq,
			Ack:     c.recvSeq,
			Flags:   packet.Flags{DATA: true},
			Rwnd:    c.AvailableRecvWindow(),
			Payload: segment,
		})
		if err != nil {
			dlog.Errorf(ctx, "rdt[%s]: encode DATA seq=%d: %v", c.logID, c.nextSeq, err)
			return
		}
		if _, err := c.ch.Send(ctx, raw, c.remoteAddr); err != nil {
			dlog.Errorf(ctx, "rdt[%s]: send DATA seq=%d: %v", c.logID, c.nextSeq, err)
		}
		dlog.Debugf(ctx, "rdt[%s]: sent DATA seq=%d len=%d", c.logID, c.nextSeq, segLen)

		c.unacked[c.nextSeq] = outSegment{raw: raw, length: segLen}
		c.nextSeq += segLen
	}
	c.observeWindows()
}

// retransmitAll implements the Go-Back-N timeout response of spec.md
// §4.3.2(b): resend every currently unacked segment in ascending order.
func (c *Connection) retransmitAll(ctx context.Context) {
	dlog.Debugf(ctx, "rdt[%s]: timeout, retransmitting from base=%d", c.logID, c.base)
	c.retransmitUnacked(ctx, "timeout")
}

// retransmitUnacked resends every entry of the unacked map in ascending
// sequence order, attributing each retransmitted segment to cause on the
// rdt_retransmits_total metric.
func (c *Connection) retransmitUnacked(ctx context.Context, cause string) {
	seqs := make([]uint32, 0, len(c.unacked))
	for seq := range c.unacked {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		seg := c.unacked[seq]
		if _, err := c.ch.Send(ctx, seg.raw, c.remoteAddr); err != nil {
			dlog.Errorf(ctx, "rdt[%s]: retransmit seq=%d: %v", c.logID, seq, err)
		}
		c.metrics.Retransmits.WithLabelValues(cause).Inc()
	}
}

// sendWindowProbe implements the zero-window probe spec.md §4.3.2/§4.3.3
// describe: when a send timeout fires with nothing outstanding — the usual
// shape of a sustained zero receiver window, since fillWindow queues
// nothing once effectiveWindow hits zero — a bare unsolicited ACK from the
// sender never comes, so nudge the peer with a zero-length DATA segment at
// base. handleData recognizes the empty payload and replies with its
// current rwnd without buffering or advancing recv_seq.
func (c *Connection) sendWindowProbe(ctx context.Context) {
	raw, err := packet.Encode(packet.Packet{
		ConnID: c.connID,
		Seq:    c.base,
		Ack:    c.recvSeq,
		Flags:  packet.Flags{DATA: true},
		Rwnd:   c.AvailableRecvWindow(),
	})
	if err != nil {
		dlog.Errorf(ctx, "rdt[%s]: encode window probe: %v", c.logID, err)
		return
	}
	dlog.Debugf(ctx, "rdt[%s]: sending window probe at seq=%d", c.logID, c.base)
	if _, err := c.ch.Send(ctx, raw, c.remoteAddr); err != nil {
		dlog.Errorf(ctx, "rdt[%s]: send window probe: %v", c.logID, err)
	}
	c.metrics.Retransmits.WithLabelValues("window_probe").Inc()
}

// onTimeout applies the timeout congestion response from spec.md §4.3.2/
// §4.3.5: ssthresh <- max(cwnd/2, mss), cwnd <- mss, dup_ack_count reset.
func (c *Connection) onTimeout() {
	c.ssthresh = maxu32(c.cwnd/2, c.mss)
	c.cwnd = c.mss
	c.dupAckCount = 0
	c.observeWindows()
}

// fastRetransmit implements spec.md §4.3.2's third-duplicate-ACK response.
// The receive side discards (rather than buffers) anything arriving out of
// order, so a single loss leaves every segment after it undelivered too;
// resending only base would just convert the 3rd duplicate ACK into a
// guaranteed subsequent timeout to recover the rest. Resending the whole
// outstanding window recovers the loss in one round trip instead, the same
// Go-Back-N retransmission retransmitAll does on a timeout, just triggered
// earlier. cwnd is halved-and-set to ssthresh, and (per §9's resolved
// ambiguity) dup_ack_count is NOT reset here.
func (c *Connection) fastRetransmit(ctx context.Context) {
	dlog.Debugf(ctx, "rdt[%s]: fast retransmit from base=%d (3 dup acks)", c.logID, c.base)
	c.retransmitUnacked(ctx, "fast_retransmit")
	c.ssthresh = maxu32(c.cwnd/2, c.mss)
	c.cwnd = c.ssthresh
	c.observeWindows()
}

// advanceBase implements the new-cumulative-ACK branch of spec.md §4.3.2:
// drop fully-acked unacked entries, slide base/next_seq forward, reset the
// duplicate-ACK run and the caller's timeout-attempt counter, and grow cwnd
// per the slow-start/congestion-avoidance table in §4.3.5.
func (c *Connection) advanceBase(ctx context.Context, a, finalAck uint32, timeoutAttempts *int) {
	for seq := range c.unacked {
		if seq < a {
			delete(c.unacked, seq)
		}
	}
	dlog.Debugf(ctx, "rdt[%s]: ACK advances base %d -> %d", c.logID, c.base, a)
	c.base = a
	c.dupAckCount = 0
	*timeoutAttempts = 0

	if c.cwnd < c.ssthresh {
		c.cwnd += c.mss // slow start
	} else {
		growth := (c.mss * c.mss) / c.cwnd
		if growth < 1 {
			growth = 1
		}
		c.cwnd += growth // congestion avoidance
	}
	c.observeWindows()

	if c.base >= finalAck {
		c.nextSeq = c.base
	}
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
