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
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// solIP and soOriginalDst are the getsockopt arguments the Linux kernel
// uses to recover the pre-NAT destination of a connection accepted off
// an iptables REDIRECT/TPROXY rule. This is the only part of the proxy
// that is inherently Linux-specific; portable builds should gate Redir
// mode on runtime.GOOS rather than reimplement this.
const (
	solIP         = 0
	soOriginalDst = 80
)

// OriginalDestination returns the pre-redirection destination address of
// an accepted TCP connection set up via an iptables REDIRECT rule. The
// listener/orchestrator uses this for Redir-mode connections in place of
// a SOCKS5/HTTP handshake.
func OriginalDestination(conn *net.TCPConn) (netip.AddrPort, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("original destination: %w", err)
	}

	var addr unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(addr))
	var ctrlErr error
	err = rawConn.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(solIP),
			uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&addr)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			ctrlErr = errno
		}
	})
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("original destination: %w", err)
	}
	if ctrlErr != nil {
		return netip.AddrPort{}, fmt.Errorf("original destination: getsockopt SO_ORIGINAL_DST: %w", ctrlErr)
	}

	ip := netip.AddrFrom4([4]byte{addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]})
	port := uint16(addr.Port>>8) | uint16(addr.Port<<8)
	return netip.AddrPortFrom(ip, port), nil
}
