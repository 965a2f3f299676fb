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

// Package tunnel opens authenticated byte-stream tunnels to a target
// endpoint through a fixed upstream HTTPS/HTTP2 proxy, using an HTTP
// CONNECT request over one of a fixed set of HTTP/2 sessions. The
// package keeps that set itself (see pool) and dials each session with
// dialTLSSession; stream multiplexing within a session is left to
// golang.org/x/net/http2's ClientConn. It authors the CONNECT request,
// injects headers, and reads back the padding-type negotiation.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"

	"github.com/nvproxy/nvproxy/internal/paddlesupport"
)

// Endpoint is the upstream proxy this Opener dials through.
type Endpoint struct {
	Scheme string
	Host   string
	Port   string
	User   string
	Pass   string
}

func (e Endpoint) addr() string { return net.JoinHostPort(e.Host, e.Port) }

// String renders the endpoint the way the padding-support registry
// keys on it.
func (e Endpoint) String() string { return fmt.Sprintf("%s://%s", e.Scheme, e.addr()) }

// Target is the (host, port) the client asked to reach.
type Target struct {
	Host string
	Port int
}

func (t Target) addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// Opener opens tunnels to targets through a single upstream proxy
// endpoint, striping connections across a pool of logically distinct
// HTTP/2 sessions.
type Opener struct {
	endpoint     Endpoint
	registry     *paddlesupport.Registry
	extraHeaders [][2]string

	pool  *pool
	group singleflight.Group
}

// NewOpener returns an Opener for endpoint, maintaining up to
// concurrency distinct upstream sessions. extraHeaders are injected
// verbatim into every CONNECT request, in addition to the padding
// negotiation header this package adds itself.
func NewOpener(endpoint Endpoint, concurrency int, extraHeaders [][2]string, registry *paddlesupport.Registry) *Opener {
	if registry == nil {
		registry = paddlesupport.Default
	}
	return &Opener{
		endpoint:     endpoint,
		registry:     registry,
		extraHeaders: extraHeaders,
		pool:         newPool(endpoint, concurrency),
	}
}

// SupportedPaddingTypes is this process's advertised padding type
// list, sent as Padding-Type-Request on every CONNECT.
var SupportedPaddingTypes = []string{"naive-padding-v1"}

// Open opens a tunnel to target, via the session chosen by id mod K.
// Concurrent opens racing for the same not-yet-established session are
// collapsed by a singleflight group keyed on the session index, so a
// burst of new connections doesn't dial the same upstream session
// twice.
func (o *Opener) Open(ctx context.Context, id uint32, target Target) (io.ReadWriteCloser, error) {
	session, err := o.pool.session(ctx, id, &o.group)
	if err != nil {
		return nil, fmt.Errorf("tunnel: acquiring upstream session: %w", err)
	}

	pr, pw := io.Pipe()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target.addr()},
		Host:   target.addr(),
		Header: make(http.Header),
		Body:   pr,
	}
	for _, h := range o.extraHeaders {
		req.Header.Add(h[0], h[1])
	}
	req.Header.Set("Padding-Type-Request", csv(SupportedPaddingTypes))
	if o.endpoint.User != "" || o.endpoint.Pass != "" {
		req.SetBasicAuth(o.endpoint.User, o.endpoint.Pass)
		req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
		req.Header.Del("Authorization")
	}

	resp, err := session.RoundTrip(req)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("tunnel: CONNECT to %s: %w", target.addr(), err)
	}
	if resp.StatusCode != http.StatusOK {
		pw.Close()
		resp.Body.Close()
		return nil, fmt.Errorf("tunnel: CONNECT to %s: upstream replied %s", target.addr(), resp.Status)
	}

	reply := resp.Header.Get("Padding-Type-Reply")
	if reply != "" {
		o.registry.Observe(o.endpoint.String(), paddlesupport.Capable)
	} else {
		o.registry.Observe(o.endpoint.String(), paddlesupport.Incapable)
	}

	return &stream{w: pw, rc: resp.Body}, nil
}

// stream adapts the split request-body-writer/response-body-reader of
// an HTTP/2 CONNECT exchange into a single io.ReadWriteCloser.
type stream struct {
	w  *io.PipeWriter
	rc io.ReadCloser
}

func (s *stream) Read(p []byte) (int, error)  { return s.rc.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }
// CloseWrite half-closes the outbound side, signaling EOF to the
// upstream without tearing down the still-readable response body.
func (s *stream) CloseWrite() error { return s.w.Close() }

func (s *stream) Close() error {
	werr := s.w.Close()
	rerr := s.rc.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// dialTLSSession opens one new HTTP/2 session to endpoint. It is the
// only place this package dials the network; pool decides when a new
// session is needed, and requests then run over the returned ClientConn.
func dialTLSSession(ctx context.Context, endpoint Endpoint) (*http2.ClientConn, error) {
	dialer := tls.Dialer{Config: &tls.Config{NextProtos: []string{"h2"}, ServerName: endpoint.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.addr())
	if err != nil {
		return nil, fmt.Errorf("tunnel: dialing %s: %w", endpoint.addr(), err)
	}
	tr := &http2.Transport{}
	cc, err := tr.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnel: establishing HTTP/2 session to %s: %w", endpoint.addr(), err)
	}
	return cc, nil
}

func csv(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}
