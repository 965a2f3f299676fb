// Package paddetect decides which direction of a connection, if any,
// carries padding framing. The decision depends on the client-facing
// protocol and the padding capability of both peers; see Direction.
package paddetect

import "github.com/nvproxy/nvproxy/internal/paddlesupport"

// ClientProtocol names the client-facing listener mode a Detector was
// created for.
type ClientProtocol int

const (
	Socks5 ClientProtocol = iota
	HTTP
	Redir
)

// Direction is which side of a connection carries padding framing.
type Direction int

const (
	// None means neither direction is padded.
	None Direction = iota
	// Client means the client-to-upstream direction is padded.
	Client
	// Server means the upstream-to-client direction is padded.
	Server
)

func (d Direction) String() string {
	switch d {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "none"
	}
}

// Detector resolves the padded direction for one connection from the
// client-facing protocol plus both peers' padding capability. HTTP
// mode clients can advertise their own capability via headers
// (SetClientSupport); SOCKS5 and Redir have no such channel and are
// always treated as incapable of padding themselves.
type Detector struct {
	protocol      ClientProtocol
	clientSupport paddlesupport.Support
	serverSupport paddlesupport.Support
}

// New returns a Detector for a connection accepted on the given
// client-facing protocol, against an upstream whose current belief is
// serverSupport.
func New(protocol ClientProtocol, serverSupport paddlesupport.Support) *Detector {
	d := &Detector{protocol: protocol, serverSupport: serverSupport}
	if protocol != HTTP {
		d.clientSupport = paddlesupport.Incapable
	}
	return d
}

// SetClientSupport records the client's own padding capability, as
// parsed from its request headers. Only meaningful in HTTP mode; E
// calls this once it has parsed the client's handshake.
func (d *Detector) SetClientSupport(support paddlesupport.Support) {
	d.clientSupport = support
}

// Ready reports whether both sides of the table are known. Callers
// should wait (without forwarding any payload) until Ready returns
// true before calling Direction.
func (d *Detector) Ready() bool {
	return d.clientSupport != paddlesupport.Unknown && d.serverSupport != paddlesupport.Unknown
}

// Direction returns the direction to pad, per the table in the
// component design: in HTTP mode the client's stated preference is
// respected; in SOCKS5/Redir mode only the upstream's capability
// matters.
func (d *Detector) Direction() Direction {
	if d.protocol == HTTP {
		switch {
		case d.clientSupport == paddlesupport.Capable:
			return Client
		case d.serverSupport == paddlesupport.Capable:
			return Server
		default:
			return None
		}
	}
	if d.serverSupport == paddlesupport.Capable {
		return Server
	}
	return None
}
