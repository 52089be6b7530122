package rdt

import "time"

// Send/Receive/Close all accept per-call overrides of the timeout and retry
// defaults baked into Config, matching spec.md §6's
// `send(payload, timeout=1.0, max_retries=15)` /
// `receive(timeout=1.0)` / `close(timeout=1.0, max_retries=5)` signatures,
// expressed as the functional-options idiom instead of primitive defaults.

type SendOption func(*sendOpts)

type sendOpts struct {
	timeout time.Duration
	retries int
}

// WithSendTimeout overrides the per-attempt retransmission timeout.
func WithSendTimeout(d time.Duration) SendOption {
	return func(o *sendOpts) { o.timeout = d }
}

// WithSendRetries overrides the number of timeout-driven retransmission
// rounds tolerated before Send fails with ErrDeliveryFailed.
func WithSendRetries(n int) SendOption {
	return func(o *sendOpts) { o.retries = n }
}

func (c *Connection) resolveSendOpts(opts []SendOption) sendOpts {
	o := sendOpts{timeout: c.cfg.SendTimeout, retries: c.cfg.SendRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type ReceiveOption func(*receiveOpts)

type receiveOpts struct {
	timeout time.Duration
}

// WithReceiveTimeout overrides how long Receive waits for the next
// datagram before returning a TimedOut Chunk.
func WithReceiveTimeout(d time.Duration) ReceiveOption {
	return func(o *receiveOpts) { o.timeout = d }
}

func (c *Connection) resolveReceiveOpts(opts []ReceiveOption) receiveOpts {
	o := receiveOpts{timeout: c.cfg.ReceiveTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type CloseOption func(*closeOpts)

type closeOpts struct {
	timeout time.Duration
	retries int
}

// WithCloseTimeout overrides the per-attempt FIN retransmission timeout.
func WithCloseTimeout(d time.Duration) CloseOption {
	return func(o *closeOpts) { o.timeout = d }
}

// WithCloseRetries overrides the number of FIN retransmission rounds
// tolerated before Close fails with ErrCloseFailed.
func WithCloseRetries(n int) CloseOption {
	return func(o *closeOpts) { o.retries = n }
}

func (c *Connection) resolveCloseOpts(opts []CloseOption) closeOpts {
	o := closeOpts{timeout: c.cfg.CloseTimeout, retries: c.cfg.CloseRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
