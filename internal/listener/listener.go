// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listener binds one configured listen entry, accepts
// connections, and hands each one to a Connection for the lifetime of
// that connection. Live connections are tracked in a map keyed by a
// process-wide monotonically increasing id; Close cancels every
// connection currently in the map and waits for them to unwind.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Runner is anything that can drive one accepted connection to
// completion; *proxyconn.Connection satisfies this once its fields are
// populated by the constructor the caller supplies to New.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the Runner for one freshly accepted connection.
type Factory func(id uint32, conn net.Conn) Runner

var nextID atomic.Uint32

// NextID returns the next process-wide connection id. Ids are unique
// and strictly increasing for the lifetime of the process; they are
// never reused, including across listeners.
func NextID() uint32 {
	return nextID.Add(1)
}

// trackedConn is what Listener keeps per in-flight connection: the
// CancelFunc for its derived context plus the accepted net.Conn itself,
// so cancellation can interrupt a blocked Read instead of merely
// signaling a context that copyDirection only polls between reads.
type trackedConn struct {
	cancel context.CancelFunc
	conn   net.Conn
}

// Listener accepts connections on one net.Listener and runs each one
// through a Factory-built Runner, tracking live connections by id.
type Listener struct {
	ln      net.Listener
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	active  map[uint32]trackedConn
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New wraps ln, dispatching every accepted connection to factory.
func New(ln net.Listener, factory Factory, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{ln: ln, factory: factory, logger: logger, active: make(map[uint32]trackedConn)}
}

// Serve accepts connections until ctx is canceled or the underlying
// listener is closed, spawning one goroutine per connection. Serve
// returns once the accept loop has stopped and, if ctx was canceled
// rather than the listener failing independently, every in-flight
// connection has also unwound.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.closing.Store(true)
		l.ln.Close()
		l.cancelAll()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.wg.Wait()
			if l.closing.Load() {
				return nil
			}
			return fmt.Errorf("listener: accept: %w", err)
		}
		l.spawn(ctx, conn)
	}
}

func (l *Listener) spawn(parent context.Context, conn net.Conn) {
	id := NextID()
	connCtx, cancel := context.WithCancel(parent)

	l.mu.Lock()
	l.active[id] = trackedConn{cancel: cancel, conn: conn}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer conn.Close()
		defer cancel()
		defer l.remove(id)

		runner := l.factory(id, conn)
		if err := runner.Run(connCtx); err != nil {
			l.logger.Debug("connection ended", zap.Uint32("id", id), zap.Error(err))
		}
	}()
}

// remove drops id from the active map. Deferred to the end of the
// connection's own goroutine so it runs strictly after Run returns,
// mirroring the "remove only once fully unwound" ordering the
// reference implementation achieves by posting removal to the next
// event-loop tick.
func (l *Listener) remove(id uint32) {
	l.mu.Lock()
	delete(l.active, id)
	l.mu.Unlock()
}

// cancelAll cancels every tracked connection's context and closes its
// accepted net.Conn. Closing is what actually matters for an idle
// connection: a blocked Read only observes context cancellation on its
// next poll between reads (see copyDirection), so without closing the
// conn directly a connection with no traffic in flight would never
// unblock and Close's wg.Wait() would hang forever.
func (l *Listener) cancelAll() {
	l.mu.Lock()
	tracked := make([]trackedConn, 0, len(l.active))
	for _, t := range l.active {
		tracked = append(tracked, t)
	}
	l.mu.Unlock()
	for _, t := range tracked {
		t.cancel()
		t.conn.Close()
	}
}

// ActiveCount reports how many connections are currently tracked.
func (l *Listener) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections, cancels every connection
// currently in flight, and waits for them to unwind. It is safe to
// call even if Serve's context was never canceled.
func (l *Listener) Close() error {
	l.closing.Store(true)
	err := l.ln.Close()
	l.cancelAll()
	l.wg.Wait()
	return err
}
