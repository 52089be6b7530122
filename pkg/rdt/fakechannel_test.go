package rdt

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rdtproto/rdt-go/pkg/channel"
	"github.com/rdtproto/rdt-go/pkg/packet"
)

// fakeChannel is a deterministic, in-memory channel.Channel double used to
// drive precise mechanism tests (triple duplicate ACK, Go-Back-N timeout,
// flow-control stall) without depending on real loopback UDP timing or
// probabilistic drop/corrupt. It implements the same interface real code
// depends on, so the rdt package under test cannot tell the difference.
type fakeChannel struct {
	name string
	addr fakeAddr

	mu      sync.Mutex
	peer    *fakeChannel
	inbox   chan []byte
	timeout time.Duration
	closed  bool

	// dropSeqs, when non-nil, maps a sequence number to how many more
	// outbound packets (DATA/FIN/ACK alike) carrying it are to be dropped.
	dropSeqs map[uint32]int
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// newFakeChannelPair returns two connected fakeChannels, as if each had
// dialed the other over a perfect loopback link.
func newFakeChannelPair(nameA, nameB string) (*fakeChannel, *fakeChannel) {
	a := &fakeChannel{name: nameA, addr: fakeAddr(nameA), inbox: make(chan []byte, 256)}
	b := &fakeChannel{name: nameB, addr: fakeAddr(nameB), inbox: make(chan []byte, 256)}
	a.peer = b
	b.peer = a
	return a, b
}

func (f *fakeChannel) Send(ctx context.Context, b []byte, remote net.Addr) (int, error) {
	f.mu.Lock()
	closed := f.closed
	if f.dropSeqs != nil {
		if p, err := packet.Decode(b); err == nil {
			if remaining, ok := f.dropSeqs[p.Seq]; ok && remaining > 0 {
				f.dropSeqs[p.Seq] = remaining - 1
				f.mu.Unlock()
				return len(b), nil
			}
		}
	}
	f.mu.Unlock()
	if closed {
		return 0, errors.New("fakechannel: closed")
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case f.peer.inbox <- cp:
	default:
	}
	return len(b), nil
}

func (f *fakeChannel) Recv(ctx context.Context, maxBytes int) ([]byte, net.Addr, error) {
	f.mu.Lock()
	timeout := f.timeout
	f.mu.Unlock()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case b := <-f.inbox:
		return b, f.peer.addr, nil
	case <-time.After(timeout):
		return nil, nil, channel.ErrTimeout
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (f *fakeChannel) SetTimeout(d time.Duration) {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
}

func (f *fakeChannel) LocalAddr() net.Addr { return f.addr }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// dropOnce arranges for the next packet at the given sequence number to be
// silently dropped exactly once.
func (f *fakeChannel) dropOnce(seqs ...uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropSeqs == nil {
		f.dropSeqs = make(map[uint32]int)
	}
	for _, s := range seqs {
		f.dropSeqs[s] = 1
	}
}

// dropAlways arranges for every packet at the given sequence number to be
// dropped until explicitly cleared.
func (f *fakeChannel) dropAlways(seqs ...uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropSeqs == nil {
		f.dropSeqs = make(map[uint32]int)
	}
	for _, s := range seqs {
		f.dropSeqs[s] = 1 << 30
	}
}

var _ channel.Channel = (*fakeChannel)(nil)
