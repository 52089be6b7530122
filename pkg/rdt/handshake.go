package rdt

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/rdtproto/rdt-go/pkg/channel"
	"github.com/rdtproto/rdt-go/pkg/packet"
)

// isnRand is package-level so tests can seed it deterministically via
// SeedISNSource; production callers never need to touch it.
var isnRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// SeedISNSource overrides the random source used to pick conn_id and
// initial sequence numbers, for reproducible handshake tests.
func SeedISNSource(r *rand.Rand) {
	isnRand = r
}

// ClientConnect performs the active open of spec.md §4.3.1: bind the
// channel, transmit SYN, and retry up to cfg.HandshakeRetries times until a
// SYN+ACK matching our ISN arrives, at which point the final ACK is sent
// and the connection is ESTABLISHED.
func ClientConnect(ctx context.Context, localAddr, remoteAddr string, cfg *Config, metrics *Metrics, chanOpts ...channel.Option) (*Connection, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, wrapf(ErrHandshakeFailed, "resolve remote addr %s", remoteAddr)
	}

	ch, err := channel.New(localAddr, cfg.DropProb, cfg.CorruptProb, chanOpts...)
	if err != nil {
		return nil, wrapf(ErrHandshakeFailed, "open channel on %s", localAddr)
	}
	ch.SetTimeout(cfg.HandshakeTimeout)

	connID := isnRand.Uint32()
	clientISN := isnRand.Uint32()

	conn := newConnection(ch, cfg, metrics, remote, connID)
	conn.state = stateSynSent
	dlog.Debugf(ctx, "rdt[%s]: connect: conn_id=%d client_isn=%d -> %s", conn.logID, connID, clientISN, remoteAddr)

	syn, err := packet.Encode(packet.Packet{
		ConnID: connID,
		Seq:    clientISN,
		Ack:    0,
		Flags:  packet.Flags{SYN: true},
	})
	if err != nil {
		return nil, wrapf(ErrHandshakeFailed, "encode SYN")
	}

	for attempt := 0; attempt < cfg.HandshakeRetries; attempt++ {
		dlog.Debugf(ctx, "rdt[%s]: sending SYN, attempt %d", conn.logID, attempt+1)
		if _, err := ch.Send(ctx, syn, remote); err != nil {
			_ = ch.Close()
			return nil, wrapf(ErrHandshakeFailed, "send SYN: %v", err)
		}

		raw, from, err := ch.Recv(ctx, 4096)
		if err != nil {
			if errors.Is(err, channel.ErrTimeout) {
				dlog.Debugf(ctx, "rdt[%s]: timeout waiting for SYN+ACK, retrying", conn.logID)
				continue
			}
			_ = ch.Close()
			return nil, wrapf(ErrHandshakeFailed, "recv: %v", err)
		}
		if !sameHost(from, remote) {
			continue
		}

		p, err := packet.Decode(raw)
		if err != nil {
			dlog.Debugf(ctx, "rdt[%s]: malformed packet during handshake, ignoring", conn.logID)
			continue
		}
		if p.ConnID != connID || !p.Flags.SYN || !p.Flags.ACK || p.Ack != clientISN+1 {
			dlog.Debugf(ctx, "rdt[%s]: unexpected packet during handshake, ignoring", conn.logID)
			continue
		}

		serverISN := p.Seq
		dlog.Infof(ctx, "rdt[%s]: got SYN+ACK, server_isn=%d", conn.logID, serverISN)

		ack, err := packet.Encode(packet.Packet{
			ConnID: connID,
			Seq:    clientISN + 1,
			Ack:    serverISN + 1,
			Flags:  packet.Flags{ACK: true},
		})
		if err != nil {
			_ = ch.Close()
			return nil, wrapf(ErrHandshakeFailed, "encode final ACK")
		}
		if _, err := ch.Send(ctx, ack, remote); err != nil {
			_ = ch.Close()
			return nil, wrapf(ErrHandshakeFailed, "send final ACK: %v", err)
		}

		conn.sendISN = clientISN
		conn.base = clientISN + 1
		conn.nextSeq = clientISN + 1
		conn.recvISN = serverISN
		conn.recvSeq = serverISN + 1
		conn.state = stateEstablished
		dlog.Infof(ctx, "rdt[%s]: ESTABLISHED send_seq=%d recv_seq=%d", conn.logID, conn.base, conn.recvSeq)
		return conn, nil
	}

	_ = ch.Close()
	return nil, wrapf(ErrHandshakeFailed, "exceeded %d retries", cfg.HandshakeRetries)
}

// ServerAccept performs the passive open of spec.md §4.3.1: listen
// indefinitely for a SYN, reply with SYN+ACK, and wait for the final ACK.
// A timeout or mismatch while waiting for the final ACK returns to the
// top-level listen loop rather than tracking a half-open table, exactly as
// spec.md prescribes.
func ServerAccept(ctx context.Context, localAddr string, cfg *Config, metrics *Metrics, chanOpts ...channel.Option) (*Connection, error) {
	ch, err := channel.New(localAddr, cfg.DropProb, cfg.CorruptProb, chanOpts...)
	if err != nil {
		return nil, wrapf(ErrHandshakeFailed, "open channel on %s", localAddr)
	}
	ch.SetTimeout(cfg.HandshakeTimeout)
	dlog.Infof(ctx, "rdt: listening for SYN on %s", localAddr)

	for {
		if ctx.Err() != nil {
			_ = ch.Close()
			return nil, ctx.Err()
		}

		raw, from, err := ch.Recv(ctx, 4096)
		if err != nil {
			if errors.Is(err, channel.ErrTimeout) {
				continue
			}
			_ = ch.Close()
			return nil, wrapf(ErrHandshakeFailed, "recv: %v", err)
		}

		p, err := packet.Decode(raw)
		if err != nil {
			dlog.Debugf(ctx, "rdt: failed to parse packet: %v", err)
			continue
		}
		if !p.Flags.SYN || p.Flags.ACK {
			dlog.Debugf(ctx, "rdt: non-SYN packet in LISTEN state, ignoring")
			continue
		}

		clientISN := p.Seq
		connID := p.ConnID
		dlog.Infof(ctx, "rdt: received SYN from %s, client_isn=%d conn_id=%d", from, clientISN, connID)

		serverISN := isnRand.Uint32()
		synack, err := packet.Encode(packet.Packet{
			ConnID: connID,
			Seq:    serverISN,
			Ack:    clientISN + 1,
			Flags:  packet.Flags{SYN: true, ACK: true},
		})
		if err != nil {
			dlog.Errorf(ctx, "rdt: encode SYN+ACK: %v", err)
			continue
		}
		if _, err := ch.Send(ctx, synack, from); err != nil {
			dlog.Errorf(ctx, "rdt: send SYN+ACK: %v", err)
			continue
		}

		raw2, from2, err := ch.Recv(ctx, 4096)
		if err != nil {
			if errors.Is(err, channel.ErrTimeout) {
				dlog.Debugf(ctx, "rdt: timeout waiting for final ACK, restarting listen")
				continue
			}
			_ = ch.Close()
			return nil, wrapf(ErrHandshakeFailed, "recv: %v", err)
		}
		if !sameHost(from2, from) {
			continue
		}
		p2, err := packet.Decode(raw2)
		if err != nil {
			dlog.Debugf(ctx, "rdt: malformed packet waiting for final ACK, ignoring")
			continue
		}
		if p2.ConnID != connID || p2.Flags.SYN || !p2.Flags.ACK || p2.Ack != serverISN+1 {
			dlog.Debugf(ctx, "rdt: unexpected packet waiting for final ACK, ignoring")
			continue
		}

		conn := newConnection(ch, cfg, metrics, from, connID)
		conn.sendISN = serverISN
		conn.base = serverISN + 1
		conn.nextSeq = serverISN + 1
		conn.recvISN = clientISN
		conn.recvSeq = clientISN + 1
		conn.state = stateEstablished
		dlog.Infof(ctx, "rdt[%s]: ESTABLISHED with %s send_seq=%d recv_seq=%d", conn.logID, from, conn.base, conn.recvSeq)
		return conn, nil
	}
}

func sameHost(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, oka := a.(*net.UDPAddr)
	ub, okb := b.(*net.UDPAddr)
	if oka && okb {
		return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
	}
	return a.String() == b.String()
}
