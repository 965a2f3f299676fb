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

package proxyconn

import (
	"bytes"
	"context"
	"io"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/nvproxy/nvproxy/internal/padding"
	"github.com/nvproxy/nvproxy/internal/paddetect"
)

// halfCloser is implemented by stream types that can signal EOF on
// their outbound side without tearing down the whole connection; both
// *net.TCPConn and the tunnel package's stream type satisfy it.
type halfCloser interface {
	CloseWrite() error
}

// pump wraps upstream with the codec the detected direction calls
// for, then runs the two independent copy loops until both directions
// have seen EOF or an error. Each loop's own failure never aborts the
// other; the connection is only considered finished once both have
// completed, matching the "no teardown until both halves close"
// policy the two pumps are built around.
func (c *Connection) pump(ctx context.Context, upstream io.ReadWriteCloser, direction paddetect.Direction, prefix []byte) error {
	var toUpstream io.Writer = upstream
	var fromUpstream io.Reader = upstream

	switch direction {
	case paddetect.Client:
		toUpstream = padding.NewWriter(upstream, randomPadLen)
	case paddetect.Server:
		fromUpstream = padding.NewReader(upstream)
	}

	var clientSource io.Reader = c.Client
	if len(prefix) > 0 {
		clientSource = io.MultiReader(bytes.NewReader(prefix), c.Client)
	}

	// A blocked Read on upstream is only observed by copyDirection's
	// ctx check between reads, which never runs while the read is
	// still blocked. The listener closes c.Client directly on
	// cancellation for exactly this reason (see Listener.cancelAll);
	// upstream has no such external owner, so pump must close it
	// itself once ctx is done, or an idle upstream_to_client goroutine
	// would block forever and Listener.Close would never return.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			upstream.Close()
		case <-watchDone:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.copyDirection(gctx, "client_to_upstream", toUpstream, clientSource, upstream)
	})
	g.Go(func() error {
		return c.copyDirection(gctx, "upstream_to_client", c.Client, fromUpstream, c.Client)
	})
	return g.Wait()
}

// copyDirection copies from src to dst, 64 KiB at a time, then
// half-closes sinkToCloseOnEOF (if it supports CloseWrite) once src is
// exhausted.
func (c *Connection) copyDirection(ctx context.Context, label string, dst io.Writer, src io.Reader, sinkToCloseOnEOF any) error {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			if c.Metrics != nil {
				c.Metrics.BytesForwarded(label, int64(n))
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if hc, ok := sinkToCloseOnEOF.(halfCloser); ok {
					hc.CloseWrite()
				}
				return nil
			}
			return rerr
		}
	}
}

func randomPadLen() int {
	return rand.Intn(padding.MaxPad + 1)
}
