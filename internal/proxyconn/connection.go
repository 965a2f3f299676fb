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

// Package proxyconn owns one accepted connection end-to-end: it runs
// the client-facing handshake, opens the upstream tunnel, decides
// which direction (if any) gets padding framing, and pumps bytes
// between the two halves until both sides are done.
package proxyconn

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/nvproxy/nvproxy/internal/fakeip"
	"github.com/nvproxy/nvproxy/internal/httpproxy"
	"github.com/nvproxy/nvproxy/internal/paddetect"
	"github.com/nvproxy/nvproxy/internal/paddlesupport"
	"github.com/nvproxy/nvproxy/internal/socks5"
	"github.com/nvproxy/nvproxy/internal/tunnel"
)

// readBufferSize bounds how much of one direction's traffic can be
// in flight between a read and the write it feeds, per the 64 KiB
// figure both directions are allowed to hold.
const readBufferSize = 64 * 1024

// HandshakeOutcome is what a Handshaker produces: enough for a
// Connection to open the upstream tunnel and resolve the padding
// direction.
type HandshakeOutcome struct {
	Protocol paddetect.ClientProtocol
	Target   tunnel.Target

	// ClientPaddingSupport is the client's stated padding capability.
	// Only meaningful (and only ever Capable/Incapable, never Unknown)
	// when Protocol is HTTP; SOCKS5 and Redir have no header channel
	// to state a preference over.
	ClientPaddingSupport paddlesupport.Support

	// Prefix holds bytes already consumed from the client connection
	// during the handshake that belong to the tunneled payload.
	Prefix []byte
}

// Handshaker runs the accepted-side protocol handshake for one
// connection and reports the resolved target.
type Handshaker interface {
	Do() (HandshakeOutcome, error)
}

// SocksHandshaker adapts internal/socks5 to Handshaker.
type SocksHandshaker struct {
	Conn  net.Conn
	Creds *socks5.Credentials
}

// Do implements Handshaker.
func (s SocksHandshaker) Do() (HandshakeOutcome, error) {
	hs := socks5.New(s.Conn, s.Creds)
	if err := hs.Do(); err != nil {
		return HandshakeOutcome{}, err
	}
	return HandshakeOutcome{
		Protocol: paddetect.Socks5,
		Target:   tunnel.Target{Host: hs.Host(), Port: hs.Port()},
	}, nil
}

// HTTPHandshaker adapts internal/httpproxy to Handshaker.
type HTTPHandshaker struct {
	Conn net.Conn
}

// Do implements Handshaker.
func (h HTTPHandshaker) Do() (HandshakeOutcome, error) {
	r, err := httpproxy.New(h.Conn).Do()
	if err != nil {
		return HandshakeOutcome{}, err
	}
	support := paddlesupport.Incapable
	if r.PaddingType != "" {
		support = paddlesupport.Capable
	}
	return HandshakeOutcome{
		Protocol:             paddetect.HTTP,
		Target:               tunnel.Target{Host: r.Host, Port: r.Port},
		ClientPaddingSupport: support,
		Prefix:               r.Prefix,
	}, nil
}

// RedirHandshaker recovers the target from the OS-reported original
// destination and the fake-IP table; no bytes are exchanged with the
// client before the tunnel opens.
type RedirHandshaker struct {
	Conn                *net.TCPConn
	OriginalDestination func(*net.TCPConn) (netip.AddrPort, error)
	FakeIP              *fakeip.Table
}

// Do implements Handshaker.
func (r RedirHandshaker) Do() (HandshakeOutcome, error) {
	if r.Conn == nil {
		return HandshakeOutcome{}, fmt.Errorf("redir: listener did not accept a TCP connection")
	}
	dst, err := r.OriginalDestination(r.Conn)
	if err != nil {
		return HandshakeOutcome{}, fmt.Errorf("redir: recovering original destination: %w", err)
	}
	host := dst.Addr().String()
	if r.FakeIP != nil {
		if h, ok := r.FakeIP.Lookup(dst.Addr()); ok {
			host = h
		}
	}
	return HandshakeOutcome{
		Protocol: paddetect.Redir,
		Target:   tunnel.Target{Host: host, Port: int(dst.Port())},
	}, nil
}

// Metrics receives observability hooks from a Connection's lifecycle.
// A nil Metrics on Connection disables all of them.
type Metrics interface {
	HandshakeFailed()
	BytesForwarded(direction string, n int64)
	PaddingOutcome(direction string)
}

// Connection owns one accepted client connection end-to-end.
type Connection struct {
	ID         uint32
	Client     net.Conn
	Handshaker Handshaker
	Opener     *tunnel.Opener
	Registry   *paddlesupport.Registry
	// Endpoint is the upstream endpoint key the registry is consulted
	// under; it must match the key Opener uses internally.
	Endpoint string
	Logger   *zap.Logger
	Metrics  Metrics
}

// Run drives the connection through handshake, tunnel-open, and pump
// until both directions are done, returning the terminal error (if
// any). Run never returns until every payload byte either side will
// ever exchange has been forwarded or the connection has failed.
func (c *Connection) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	outcome, err := c.Handshaker.Do()
	if err != nil {
		if c.Metrics != nil {
			c.Metrics.HandshakeFailed()
		}
		return fmt.Errorf("connection %d: handshake: %w", c.ID, err)
	}
	logger.Debug("handshake complete",
		zap.Uint32("id", c.ID),
		zap.String("target", fmt.Sprintf("%s:%d", outcome.Target.Host, outcome.Target.Port)))

	upstream, err := c.Opener.Open(ctx, c.ID, outcome.Target)
	if err != nil {
		if c.Metrics != nil {
			c.Metrics.HandshakeFailed()
		}
		return fmt.Errorf("connection %d: opening tunnel: %w", c.ID, err)
	}
	defer upstream.Close()

	serverSupport := paddlesupport.Unknown
	if c.Registry != nil {
		serverSupport = c.Registry.Get(c.Endpoint)
	}
	detector := paddetect.New(outcome.Protocol, serverSupport)
	if outcome.Protocol == paddetect.HTTP {
		detector.SetClientSupport(outcome.ClientPaddingSupport)
	}
	direction := detector.Direction()
	if c.Metrics != nil {
		c.Metrics.PaddingOutcome(direction.String())
	}
	logger.Debug("padding direction resolved", zap.Uint32("id", c.ID), zap.String("direction", direction.String()))

	return c.pump(ctx, upstream, direction, outcome.Prefix)
}
