package proxyconn

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvproxy/nvproxy/internal/paddetect"
	"github.com/nvproxy/nvproxy/internal/paddlesupport"
	"github.com/nvproxy/nvproxy/internal/tunnel"
)

type fakeHandshaker struct {
	outcome HandshakeOutcome
	err     error
}

func (f fakeHandshaker) Do() (HandshakeOutcome, error) { return f.outcome, f.err }

// pipeStream is an io.ReadWriteCloser backed by a net.Pipe half, used
// to stand in for an upstream tunnel in tests.
type pipeStream struct {
	net.Conn
}

func (p pipeStream) CloseWrite() error { return nil }

func TestConnectionRunPumpsBothDirections(t *testing.T) {
	clientSide, clientRemote := net.Pipe()
	upstreamSide, upstreamRemote := net.Pipe()
	defer clientSide.Close()
	defer clientRemote.Close()
	defer upstreamSide.Close()
	defer upstreamRemote.Close()

	conn := &Connection{
		ID:     1,
		Client: clientRemote,
		Handshaker: fakeHandshaker{outcome: HandshakeOutcome{
			Protocol: paddetect.Socks5,
			Target:   tunnel.Target{Host: "example.com", Port: 80},
		}},
		Registry: paddlesupport.NewRegistry(),
		Endpoint: "test-endpoint",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- conn.pump(ctx, pipeStream{upstreamRemote}, paddetect.None, nil)
	}()

	go func() {
		clientSide.Write([]byte("hello-upstream"))
	}()
	buf := make([]byte, len("hello-upstream"))
	_, err := io.ReadFull(upstreamSide, buf)
	require.NoError(t, err)
	require.Equal(t, "hello-upstream", string(buf))

	go func() {
		upstreamSide.Write([]byte("hello-client"))
	}()
	buf2 := make([]byte, len("hello-client"))
	_, err = io.ReadFull(clientSide, buf2)
	require.NoError(t, err)
	require.Equal(t, "hello-client", string(buf2))

	clientSide.Close()
	upstreamSide.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump did not finish after both sides closed")
	}
}

// recordingHalfCloser wraps a net.Pipe half, counting CloseWrite calls
// separately per instance so a test can tell which side of a pump a
// half-close landed on.
type recordingHalfCloser struct {
	net.Conn
	closes *int32
}

func (r recordingHalfCloser) CloseWrite() error {
	atomic.AddInt32(r.closes, 1)
	return nil
}

// TestPumpHalfClosesTheDestinationNotTheSource pins down the
// client-to-upstream and upstream-to-client half-close wiring
// independently: when one side's source reaches EOF, the *other*
// side's connection must receive CloseWrite, never the source's own
// connection. A net.Pipe().CloseWrite-no-op stub (as used by
// TestConnectionRunPumpsBothDirections) cannot distinguish a correct
// half-close from one bound to the wrong side, since both sides are
// torn down together there; this test keeps the two directions
// independent so a swapped argument fails it.
func TestPumpHalfClosesTheDestinationNotTheSource(t *testing.T) {
	clientSide, clientRemote := net.Pipe()
	upstreamSide, upstreamRemote := net.Pipe()
	defer clientSide.Close()
	defer upstreamSide.Close()

	var clientCloses, upstreamCloses int32
	client := recordingHalfCloser{Conn: clientRemote, closes: &clientCloses}
	upstream := recordingHalfCloser{Conn: upstreamRemote, closes: &upstreamCloses}

	conn := &Connection{ID: 3, Client: client}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- conn.pump(ctx, upstream, paddetect.None, nil)
	}()

	// The client reaches EOF first (its peer closes). Only the
	// upstream side should observe a CloseWrite.
	clientSide.Close()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&upstreamCloses) == 1
	}, time.Second, 10*time.Millisecond, "upstream was not half-closed after client EOF")
	require.Equal(t, int32(0), atomic.LoadInt32(&clientCloses),
		"client_to_upstream must not half-close the client itself")

	// Let upstream reach EOF too so pump can finish.
	upstreamSide.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not finish after both sides closed")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&clientCloses),
		"upstream_to_client must half-close the client once upstream hits EOF")
}

// TestPumpClosesUpstreamOnContextCancel verifies that canceling the
// context passed to pump unblocks a connection with no traffic in
// flight by closing the upstream stream directly, rather than relying
// solely on copyDirection's between-reads ctx check (which never runs
// while a Read is still blocked).
func TestPumpClosesUpstreamOnContextCancel(t *testing.T) {
	clientSide, clientRemote := net.Pipe()
	upstreamSide, upstreamRemote := net.Pipe()
	defer clientSide.Close()
	defer upstreamSide.Close()

	conn := &Connection{ID: 4, Client: clientRemote}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.pump(ctx, pipeStream{upstreamRemote}, paddetect.None, nil)
	}()

	cancel()
	// A real listener closes the accepted client conn directly on
	// cancellation (see Listener.cancelAll); pump only owns upstream.
	clientSide.Close()

	require.NoError(t, upstreamSide.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1)
	_, err := upstreamSide.Read(buf)
	require.Error(t, err, "upstream should have been closed by pump's cancellation watcher")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not return after context cancellation")
	}
}

func TestHandshakeFailurePreventsPump(t *testing.T) {
	_, clientRemote := net.Pipe()
	defer clientRemote.Close()

	var metricsCalled bool
	conn := &Connection{
		ID:         1,
		Client:     clientRemote,
		Handshaker: fakeHandshaker{err: io.ErrUnexpectedEOF},
		Metrics:    recordingMetrics{onFailed: func() { metricsCalled = true }},
	}

	err := conn.Run(context.Background())
	require.Error(t, err)
	require.True(t, metricsCalled)
}

type recordingMetrics struct {
	onFailed func()
}

func (r recordingMetrics) HandshakeFailed() {
	if r.onFailed != nil {
		r.onFailed()
	}
}
func (recordingMetrics) BytesForwarded(string, int64) {}
func (recordingMetrics) PaddingOutcome(string)         {}
