package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextIDIsUniqueAndIncreasing(t *testing.T) {
	a := NextID()
	b := NextID()
	require.Less(t, a, b)
}

type blockingRunner struct {
	started chan struct{}
}

func (r blockingRunner) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

// readBlockingRunner ignores ctx entirely and blocks on a real Read,
// the way copyDirection does between polling ctx.Done(). It only
// returns once the conn itself is closed out from under it.
type readBlockingRunner struct {
	started chan struct{}
}

func (r readBlockingRunner) Run(ctx context.Context, conn net.Conn) error {
	close(r.started)
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	return err
}

// readBlockingRunnerAdapter lets a closure capture the accepted conn,
// since Factory only passes it at construction time.
type readBlockingRunnerAdapter struct {
	inner readBlockingRunner
	conn  net.Conn
}

func (a readBlockingRunnerAdapter) Run(ctx context.Context) error {
	return a.inner.Run(ctx, a.conn)
}

// TestCloseUnblocksConnectionBlockedOnRead pins down the scenario the
// maintainer flagged: an idle connection blocked on Read must be
// unblocked by Close/cancelAll closing its net.Conn directly, not left
// to observe context cancellation on its own (which a blocked Read
// never does). Without closing the conn, this test would hang until
// its timeout instead of observing Close return promptly.
func TestCloseUnblocksConnectionBlockedOnRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	l := New(ln, func(id uint32, conn net.Conn) Runner {
		return readBlockingRunnerAdapter{inner: readBlockingRunner{started: started}, conn: conn}
	}, nil)

	ctx := context.Background()
	serveDone := make(chan error, 1)
	go func() { serveDone <- l.Serve(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("connection was never spawned")
	}

	closeDone := make(chan error, 1)
	go func() { closeDone <- l.Close() }()

	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return; a blocked Read was never unblocked")
	}
}

func TestServeSpawnsAndTracksConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	l := New(ln, func(id uint32, conn net.Conn) Runner {
		return blockingRunner{started: started}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- l.Serve(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("connection was never spawned")
	}
	require.Equal(t, 1, l.ActiveCount())

	cancel()
	select {
	case err := <-serveDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	require.Equal(t, 0, l.ActiveCount())
}
