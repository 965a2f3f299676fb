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

//go:build !linux

package nvproxy

import (
	"errors"
	"net"
	"net/netip"
)

// ErrRedirUnsupported is returned by OriginalDestination on platforms
// without SO_ORIGINAL_DST. Redir mode is Linux-specific by nature (it
// relies on iptables REDIRECT/TPROXY); portable builds should refuse
// to start a redir listener rather than call this.
var ErrRedirUnsupported = errors.New("nvproxy: redir mode requires Linux")

// OriginalDestination always fails on non-Linux platforms.
func OriginalDestination(*net.TCPConn) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrRedirUnsupported
}
