// Package channel implements the unreliable datagram substrate the rdt
// transport is layered over: a best-effort, message-oriented send/receive
// port bound to a local address that independently drops or corrupts
// outbound datagrams with fixed probabilities. See spec.md §4.1.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/rs/xid"
)

// ErrTimeout is returned by Recv when no datagram arrives within the
// configured deadline. It is always recoverable; callers in pkg/rdt treat it
// as the Timeout event from spec.md §7.
var ErrTimeout = errors.New("channel: recv timeout")

// Channel is the abstract datagram port described in spec.md §6.
type Channel interface {
	// Send transmits b to remote, independently dropping or corrupting it
	// per the channel's configured probabilities. The returned int is the
	// number of bytes the caller's datagram contained (not how many were
	// actually put on the wire, which the caller cannot observe).
	Send(ctx context.Context, b []byte, remote net.Addr) (int, error)
	// Recv blocks up to the configured timeout for the next datagram,
	// returning ErrTimeout on expiry.
	Recv(ctx context.Context, maxBytes int) ([]byte, net.Addr, error)
	SetTimeout(d time.Duration)
	LocalAddr() net.Addr
	Close() error
}

// Metrics receives the outcome of every Send; PrometheusMetrics in this
// package's metrics.go is the production implementation. Kept as a narrow
// interface so pkg/channel never imports pkg/rdt (which imports pkg/channel).
type Metrics interface {
	ObserveSend(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSend(string) {}

// Option configures a Channel at construction time.
type Option func(*udpChannel)

// WithRand injects a deterministic random source, as required by spec.md
// §4.1 ("Test harnesses MUST be able to inject deterministic RNG").
func WithRand(r *rand.Rand) Option {
	return func(c *udpChannel) { c.rng = r }
}

// WithMetrics attaches a metrics sink; production callers pass a
// PrometheusMetrics from NewPrometheusMetrics.
func WithMetrics(m Metrics) Option {
	return func(c *udpChannel) { c.metrics = m }
}

type udpChannel struct {
	conn        net.PacketConn
	dropProb    float64
	corruptProb float64
	rng         *rand.Rand
	metrics     Metrics
	timeout     time.Duration
}

// New binds a UDP socket at localAddr and returns a Channel that drops
// outbound datagrams with probability dropProb and, failing that, corrupts
// them with probability corruptProb (spec.md §4.1).
func New(localAddr string, dropProb, corruptProb float64, opts ...Option) (Channel, error) {
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("channel: listen %s: %w", localAddr, err)
	}
	c := &udpChannel{
		conn:        conn,
		dropProb:    dropProb,
		corruptProb: corruptProb,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *udpChannel) Send(ctx context.Context, b []byte, remote net.Addr) (int, error) {
	trace := xid.New().String()
	r := c.rng.Float64()

	switch {
	case r < c.dropProb:
		dlog.Debugf(ctx, "channel[%s]: dropped %d bytes to %s", trace, len(b), remote)
		c.metrics.ObserveSend("dropped")
		return len(b), nil

	case r < c.dropProb+c.corruptProb && len(b) > 0:
		corrupted := make([]byte, len(b))
		copy(corrupted, b)
		i := c.rng.Intn(len(corrupted))
		corrupted[i] ^= 0xFF
		dlog.Debugf(ctx, "channel[%s]: corrupted byte %d of %d to %s", trace, i, len(b), remote)
		c.metrics.ObserveSend("corrupted")
		n, err := c.conn.WriteTo(corrupted, remote)
		return n, err

	default:
		dlog.Debugf(ctx, "channel[%s]: sent %d bytes to %s", trace, len(b), remote)
		c.metrics.ObserveSend("sent")
		n, err := c.conn.WriteTo(b, remote)
		return n, err
	}
}

func (c *udpChannel) Recv(ctx context.Context, maxBytes int) ([]byte, net.Addr, error) {
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	buf := make([]byte, maxBytes)
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, nil, fmt.Errorf("channel: set read deadline: %w", err)
		}
	}
	n, addr, err := c.conn.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

func (c *udpChannel) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *udpChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *udpChannel) Close() error {
	return c.conn.Close()
}
