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

package listener

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvproxy/nvproxy/config"
	"github.com/nvproxy/nvproxy/internal/fakeip"
	"github.com/nvproxy/nvproxy/internal/paddlesupport"
	"github.com/nvproxy/nvproxy/internal/proxyconn"
	"github.com/nvproxy/nvproxy/internal/socks5"
	"github.com/nvproxy/nvproxy/internal/tunnel"
)

// OriginalDestinationFunc recovers the pre-redirection destination of
// an accepted TCP connection. Only implemented on Linux; callers
// configuring a Redir listen entry on another platform get its error
// surfaced at the first accepted connection.
type OriginalDestinationFunc func(*net.TCPConn) (netip.AddrPort, error)

// Manager binds every configured listen entry to its own Listener,
// all sharing one upstream tunnel opener and padding-support registry
// per the configuration's single fixed upstream.
type Manager struct {
	cfg      *config.Config
	opener   *tunnel.Opener
	registry *paddlesupport.Registry
	fakeIP   *fakeip.Table
	logger   *zap.Logger
	origDst  OriginalDestinationFunc

	listeners []*Listener
}

// NewManager builds (but does not yet bind) a Manager for cfg.
func NewManager(cfg *config.Config, registry *paddlesupport.Registry, origDst OriginalDestinationFunc, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = paddlesupport.Default
	}

	extraHeaders, err := config.ParseExtraHeaders(cfg.ExtraHeaders)
	if err != nil {
		return nil, err
	}
	opener := tunnel.NewOpener(tunnel.Endpoint{
		Scheme: cfg.Upstream.Scheme,
		Host:   cfg.Upstream.Host,
		Port:   cfg.Upstream.Port,
		User:   cfg.Upstream.User,
		Pass:   cfg.Upstream.Pass,
	}, cfg.Concurrency, extraHeaders, registry)

	fakeTable, err := fakeip.NewTable(cfg.ResolverRange)
	if err != nil {
		return nil, err
	}
	rules, err := config.ParseHostResolverRules(cfg.HostResolverRules)
	if err != nil {
		return nil, err
	}
	fakeRules := make([]fakeip.Rule, len(rules))
	for i, r := range rules {
		fakeRules[i] = fakeip.Rule{From: r.From, To: r.To}
	}
	if err := fakeTable.LoadRules(fakeRules); err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		opener:   opener,
		registry: registry,
		fakeIP:   fakeTable,
		logger:   logger,
		origDst:  origDst,
	}, nil
}

// Bind opens a net.Listener for every configured entry.
func (m *Manager) Bind(listen func(addr string) (net.Listener, error)) error {
	for _, entry := range m.cfg.Listen {
		ln, err := listen(entry.ListenAddr())
		if err != nil {
			return fmt.Errorf("listener: binding %s (%s): %w", entry.ListenAddr(), entry.Protocol, err)
		}
		factory := m.factoryFor(entry)
		m.listeners = append(m.listeners, New(ln, factory, m.logger.Named(string(entry.Protocol))))
	}
	return nil
}

func (m *Manager) factoryFor(entry config.ListenEntry) Factory {
	endpoint := tunnel.Endpoint{Scheme: m.cfg.Upstream.Scheme, Host: m.cfg.Upstream.Host, Port: m.cfg.Upstream.Port}.String()

	return func(id uint32, conn net.Conn) Runner {
		var hs proxyconn.Handshaker
		switch entry.Protocol {
		case config.ProtocolSocks5:
			var creds *socks5.Credentials
			if entry.RequiresAuth() {
				creds = &socks5.Credentials{User: entry.User, Pass: entry.Pass}
			}
			hs = proxyconn.SocksHandshaker{Conn: conn, Creds: creds}
		case config.ProtocolHTTP:
			hs = proxyconn.HTTPHandshaker{Conn: conn}
		case config.ProtocolRedir:
			tcpConn, _ := conn.(*net.TCPConn)
			hs = proxyconn.RedirHandshaker{Conn: tcpConn, OriginalDestination: m.origDst, FakeIP: m.fakeIP}
		}
		return &proxyconn.Connection{
			ID:         id,
			Client:     conn,
			Handshaker: hs,
			Opener:     m.opener,
			Registry:   m.registry,
			Endpoint:   endpoint,
			Logger:     m.logger,
			Metrics:    promMetrics{listenerName: string(entry.Protocol)},
		}
	}
}

// Serve runs every bound listener until ctx is canceled, returning
// once all of them have stopped.
func (m *Manager) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range m.listeners {
		l := l
		g.Go(func() error { return l.Serve(gctx) })
	}
	return g.Wait()
}

// Close stops every bound listener.
func (m *Manager) Close() error {
	var firstErr error
	for _, l := range m.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
