package rdt

import (
	"context"
	"errors"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/rdtproto/rdt-go/pkg/channel"
	"github.com/rdtproto/rdt-go/pkg/packet"
)

// Close implements the four-way teardown of spec.md §4.3.4: transmit FIN,
// retry until it is acknowledged (tolerating the peer's FIN arriving
// first), then block for the peer's FIN if it hasn't arrived yet, ACK it,
// and release the channel.
func (c *Connection) Close(ctx context.Context, opts ...CloseOption) error {
	if c.state == stateClosed {
		return nil
	}
	o := c.resolveCloseOpts(opts)
	c.ch.SetTimeout(o.timeout)

	finSeq := c.base
	c.finSeq = finSeq
	c.finSeqValid = true

	fin, err := packet.Encode(packet.Packet{
		ConnID: c.connID,
		Seq:    finSeq,
		Ack:    c.recvSeq,
		Flags:  packet.Flags{FIN: true},
		Rwnd:   c.AvailableRecvWindow(),
	})
	if err != nil {
		return c.failClose(wrapf(ErrCloseFailed, "encode FIN"))
	}

	finAcked := false
	for attempt := 0; attempt < o.retries && !finAcked; attempt++ {
		if attempt == 0 {
			dlog.Debugf(ctx, "rdt[%s]: sending FIN seq=%d", c.logID, finSeq)
		} else {
			dlog.Debugf(ctx, "rdt[%s]: retransmitting FIN seq=%d (attempt %d)", c.logID, finSeq, attempt+1)
		}
		if _, err := c.ch.Send(ctx, fin, c.remoteAddr); err != nil {
			return c.failClose(wrapf(ErrCloseFailed, "send FIN: %v", err))
		}

		raw, from, err := c.ch.Recv(ctx, 4096)
		if err != nil {
			if errors.Is(err, channel.ErrTimeout) {
				continue
			}
			return c.failClose(wrapf(ErrCloseFailed, "recv: %v", err))
		}
		if !sameHost(from, c.remoteAddr) {
			continue
		}
		p, err := packet.Decode(raw)
		if err != nil {
			continue
		}
		if p.ConnID != c.connID {
			continue
		}

		switch {
		case p.Flags.FIN:
			c.handleFin(ctx, p)

		case p.Flags.ACK && !p.Flags.DATA && p.Ack == finSeq+1:
			finAcked = true
			c.base = finSeq + 1
			dlog.Infof(ctx, "rdt[%s]: FIN acknowledged", c.logID)

		default:
			dlog.Debugf(ctx, "rdt[%s]: unexpected packet while closing, ignoring", c.logID)
		}
	}

	if !finAcked {
		return c.failClose(wrapf(ErrCloseFailed, "FIN never acknowledged after %d retries", o.retries))
	}

	for !c.finReceived {
		raw, from, err := c.ch.Recv(ctx, 4096)
		if err != nil {
			if errors.Is(err, channel.ErrTimeout) {
				continue
			}
			return c.failClose(wrapf(ErrCloseFailed, "recv peer FIN: %v", err))
		}
		if !sameHost(from, c.remoteAddr) {
			continue
		}
		p, err := packet.Decode(raw)
		if err != nil {
			continue
		}
		if p.ConnID != c.connID || !p.Flags.FIN {
			continue
		}
		c.handleFin(ctx, p)
	}

	c.state = stateClosed
	if err := c.ch.Close(); err != nil {
		return c.failClose(wrapf(ErrCloseFailed, "release channel: %v", err))
	}
	dlog.Infof(ctx, "rdt[%s]: CLOSED", c.logID)
	return nil
}

func (c *Connection) failClose(err error) error {
	if cerr := c.ch.Close(); cerr != nil {
		return multierror.Append(err, cerr).ErrorOrNil()
	}
	return err
}
