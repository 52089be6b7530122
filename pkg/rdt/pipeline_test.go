package rdt

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.SendTimeout = 40 * time.Millisecond
	cfg.SendRetries = 20
	cfg.ReceiveTimeout = 40 * time.Millisecond
	cfg.CloseTimeout = 40 * time.Millisecond
	cfg.CloseRetries = 20
	return cfg
}

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

// newEstablishedPair builds two Connections wired via an in-memory
// fakeChannel pair, already in the post-handshake state that spec.md
// scenario S1 describes (client ISN=1000, server ISN=2000), without
// driving the handshake itself (that is exercised separately against real
// UDP sockets in rdt_test.go).
func newEstablishedPair(t *testing.T, cfg *Config) (client, server *Connection, chClient, chServer *fakeChannel) {
	t.Helper()
	chClient, chServer = newFakeChannelPair("client", "server")

	client = newConnection(chClient, cfg, testMetrics(t), chServer.addr, 99)
	client.sendISN = 1000
	client.base = 1001
	client.nextSeq = 1001
	client.recvISN = 2000
	client.recvSeq = 2001
	client.state = stateEstablished

	server = newConnection(chServer, cfg, testMetrics(t), chClient.addr, 99)
	server.sendISN = 2000
	server.base = 2001
	server.nextSeq = 2001
	server.recvISN = 1000
	server.recvSeq = 1001
	server.state = stateEstablished

	return client, server, chClient, chServer
}

// drainReceiver keeps calling Receive on conn until totalWant bytes have
// been collected or the stream ends, acting as the "application" that
// drives the receive side's inbound processing (spec.md §5: a connection
// only makes progress on the goroutine that calls one of its operations).
func drainReceiver(ctx context.Context, conn *Connection, totalWant int) ([]byte, error) {
	var received []byte
	for len(received) < totalWant {
		chunk, err := conn.Receive(ctx, WithReceiveTimeout(40*time.Millisecond))
		if err != nil {
			return received, err
		}
		if chunk.TimedOut {
			continue
		}
		if chunk.EndOfStream {
			break
		}
		received = append(received, chunk.Data...)
	}
	return received, nil
}

// TestEmptyPayloadIsNoOp is spec.md §8 B1.
func TestEmptyPayloadIsNoOp(t *testing.T) {
	cfg := testConfig()
	client, _, chClient, _ := newEstablishedPair(t, cfg)
	baseBefore := client.base

	err := client.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, baseBefore, client.base)
	assert.Empty(t, client.unacked)

	select {
	case <-chClient.peer.inbox:
		t.Fatal("empty payload must not touch the wire")
	default:
	}
}

// TestExactMSSPayloadIsOneSegment is spec.md §8 B2.
func TestExactMSSPayloadIsOneSegment(t *testing.T) {
	cfg := testConfig()
	client, server, _, _ := newEstablishedPair(t, cfg)
	payload := make([]byte, cfg.MSS)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan []byte, 1)
	go func() {
		got, _ := drainReceiver(ctx, server, len(payload))
		resultCh <- got
	}()

	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh
	assert.Equal(t, payload, got)
	assert.Equal(t, uint32(1001+len(payload)), client.base)
}

// TestMSSPlusOneByteIsTwoSegments is spec.md §8 B3.
func TestMSSPlusOneByteIsTwoSegments(t *testing.T) {
	cfg := testConfig()
	client, server, _, _ := newEstablishedPair(t, cfg)
	payload := make([]byte, cfg.MSS+1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan []byte, 1)
	go func() {
		got, _ := drainReceiver(ctx, server, len(payload))
		resultCh <- got
	}()

	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh
	assert.Equal(t, payload, got)
}

// TestCleanTransferNoRetransmissions is spec.md §8 P6: with no loss or
// corruption, the whole payload is transmitted as exactly one MSS-sized
// segment per chunk, with no retransmissions.
func TestCleanTransferNoRetransmissions(t *testing.T) {
	cfg := testConfig()
	client, server, _, _ := newEstablishedPair(t, cfg)
	payload := make([]byte, 4*int(cfg.MSS))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resultCh := make(chan []byte, 1)
	go func() {
		got, _ := drainReceiver(ctx, server, len(payload))
		resultCh <- got
	}()

	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh
	assert.Equal(t, payload, got)
	assert.Zero(t, testutil.ToFloat64(client.metrics.Retransmits.WithLabelValues("timeout")))
	assert.Zero(t, testutil.ToFloat64(client.metrics.Retransmits.WithLabelValues("fast_retransmit")))
}

// TestTripleDuplicateAckTriggersFastRetransmit is spec.md §8 S4: the
// segment at seq=1001 is lost; the receiver's three duplicate ACKs drive a
// fast retransmit instead of waiting for a timeout.
func TestTripleDuplicateAckTriggersFastRetransmit(t *testing.T) {
	cfg := testConfig()
	client, server, chClient, _ := newEstablishedPair(t, cfg)
	payload := make([]byte, 4*int(cfg.MSS)) // segments at 1001, 1513, 2025, 2537

	// Cold-start cwnd is one mss, which would only ever put one segment in
	// flight at a time and mask the fast-retransmit path behind a timeout
	// instead. Pre-grow the window so all four segments go out together and
	// the dropped one actually produces three duplicate ACKs.
	client.cwnd = uint32(len(payload))

	chClient.dropOnce(1001)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resultCh := make(chan []byte, 1)
	go func() {
		got, _ := drainReceiver(ctx, server, len(payload))
		resultCh <- got
	}()

	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh
	assert.Equal(t, payload, got)
	assert.Equal(t, uint32(1001+len(payload)), client.base)
	assert.GreaterOrEqual(t, testutil.ToFloat64(client.metrics.Retransmits.WithLabelValues("fast_retransmit")), float64(1))
	assert.Zero(t, testutil.ToFloat64(client.metrics.Retransmits.WithLabelValues("timeout")))
}

// TestTimeoutRetransmitsGoBackN is spec.md §8 S5: every outstanding
// segment's ACK is lost; after the send timeout the sender retransmits all
// of them and resets cwnd to mss.
func TestTimeoutRetransmitsGoBackN(t *testing.T) {
	cfg := testConfig()
	client, server, _, chServer := newEstablishedPair(t, cfg)
	payload := make([]byte, 4*int(cfg.MSS))

	// Drop every ACK from the server back to the client for the first
	// 120ms, forcing the first round's ACKs to be lost so the client must
	// time out and Go-Back-N retransmit.
	chServer.dropAlways(2001)
	go func() {
		time.Sleep(120 * time.Millisecond)
		chServer.mu.Lock()
		delete(chServer.dropSeqs, 2001)
		chServer.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resultCh := make(chan []byte, 1)
	go func() {
		got, _ := drainReceiver(ctx, server, len(payload))
		resultCh <- got
	}()

	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh
	assert.Equal(t, payload, got)
	assert.GreaterOrEqual(t, testutil.ToFloat64(client.metrics.Retransmits.WithLabelValues("timeout")), float64(1))
}

// TestFlowControlStallsAndResumes is spec.md §8 S3: a small receive buffer
// forces the sender to stall until the application drains the queue and a
// window-update ACK is observed.
func TestFlowControlStallsAndResumes(t *testing.T) {
	cfg := testConfig()
	cfg.RecvBufferCapacity = 600
	client, server, _, _ := newEstablishedPair(t, cfg)
	server.recvBufferCap = 600
	payload := make([]byte, 4*int(cfg.MSS))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resultCh := make(chan []byte, 1)
	go func() {
		var received []byte
		for len(received) < len(payload) {
			chunk, err := server.Receive(ctx, WithReceiveTimeout(20*time.Millisecond))
			if err != nil {
				break
			}
			if chunk.TimedOut {
				continue
			}
			received = append(received, chunk.Data...)
			// Simulate a slow consumer so the buffer genuinely drains
			// instead of being read instantaneously.
			time.Sleep(5 * time.Millisecond)
		}
		resultCh <- received
	}()

	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh
	assert.Equal(t, payload, got)
}

// TestReceiveBufferNeverExceedsCapacity is spec.md §8 P3.
func TestReceiveBufferNeverExceedsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.RecvBufferCapacity = 512
	client, server, _, _ := newEstablishedPair(t, cfg)
	server.recvBufferCap = 512
	payload := make([]byte, 3*int(cfg.MSS))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resultCh := make(chan []byte, 1)
	go func() {
		var received []byte
		for len(received) < len(payload) {
			chunk, err := server.Receive(ctx, WithReceiveTimeout(20*time.Millisecond))
			if err != nil {
				break
			}
			if !chunk.TimedOut && len(chunk.Data) > 0 {
				received = append(received, chunk.Data...)
			}
			require.LessOrEqual(t, server.recvBuffered, server.recvBufferCap)
		}
		resultCh <- received
	}()

	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh
	assert.Equal(t, payload, got)
}

// TestFinMidStreamDrainsQueueBeforeEndOfStream is spec.md §8 B4.
func TestFinMidStreamDrainsQueueBeforeEndOfStream(t *testing.T) {
	cfg := testConfig()
	client, server, _, _ := newEstablishedPair(t, cfg)

	server.recvQueue = append(server.recvQueue, []byte("buffered-chunk"))
	server.recvBuffered = uint32(len("buffered-chunk"))
	server.finReceived = true
	server.recvSeq = client.base + 1 // pretend the FIN's seq already advanced recv_seq

	ctx := context.Background()
	first, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "buffered-chunk", string(first.Data))
	assert.False(t, first.EndOfStream)

	second, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, second.EndOfStream)
}

// TestInvariantsHoldAfterTransfer checks I1, I2, I4, I5 and I6 once a
// transfer has completed.
func TestInvariantsHoldAfterTransfer(t *testing.T) {
	cfg := testConfig()
	client, server, _, _ := newEstablishedPair(t, cfg)
	payload := make([]byte, 2*int(cfg.MSS)+37)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resultCh := make(chan []byte, 1)
	go func() {
		got, _ := drainReceiver(ctx, server, len(payload))
		resultCh <- got
	}()
	require.NoError(t, client.Send(ctx, payload))
	got := <-resultCh

	assert.LessOrEqual(t, client.base, client.nextSeq)              // I1
	assert.Empty(t, client.unacked)                                 // I2 (fully acked)
	assert.LessOrEqual(t, server.recvBuffered, server.recvBufferCap) // I4
	assert.Equal(t, payload, got)                                   // I5
	assert.GreaterOrEqual(t, client.cwnd, client.mss)               // I6
	assert.GreaterOrEqual(t, client.ssthresh, client.mss)           // I6
}
