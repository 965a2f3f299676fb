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

package nvproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// ListenTCP opens a TCP listener on addr ("host:port"), with SO_REUSEPORT
// enabled where the platform supports it so that multiple listen entries
// can share a port during restarts.
func ListenTCP(ctx context.Context, addr string, keepAlive time.Duration) (net.Listener, error) {
	cfg := net.ListenConfig{Control: reusePort, KeepAlive: keepAlive}
	ln, err := cfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

// SplitHostPort is a small wrapper over net.SplitHostPort that also
// accepts a bare port (binds to all interfaces), matching the listen
// entry address shorthand used in the config surface (":1080", "1080").
func SplitHostPort(addr string) (host, port string, err error) {
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	return net.SplitHostPort(addr)
}
