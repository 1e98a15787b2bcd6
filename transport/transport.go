package transport

import (
	"context"
	"net"
	"strings"

	"github.com/relaysip/sipstack/sip"
)

const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportTLS = "tls"
)

// transportBufferSize is the default per-read buffer size, used when no
// WithBufferSize LayerOption overrides it.
const transportBufferSize = 65535

// UDPMTUSize is the threshold past which the core should prefer TCP over
// UDP for a given outbound message (RFC 3261 §18.1.1 MTU rule). The UDP
// transport itself performs no segmentation; this is advisory for callers.
const UDPMTUSize = 1300

// Addr is a resolved local or remote endpoint.
type Addr struct {
	IP   net.IP
	Port int
}

// Transport is the common contract every per-type transport implements:
// start listening, stop, send to a resolved endpoint, and report framing
// characteristics.
type Transport interface {
	Network() string
	IsReliable() bool
	IsStreamed() bool

	ResolveAddr(addr string) (net.Addr, error)
	GetConnection(addr string) (Connection, error)
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error)

	Close() error
}

// IsReliable reports whether network (udp/tcp/tls, case-insensitive) is a
// reliable, connection-oriented transport.
func IsReliable(network string) bool {
	switch NetworkToLower(network) {
	case TransportTCP, TransportTLS:
		return true
	default:
		return false
	}
}

// IsStreamed reports whether network requires the stream-framing parser
// (exact Content-Length, possibly-coalesced reads) rather than
// one-datagram-one-message framing.
func IsStreamed(network string) bool {
	return IsReliable(network)
}

func NetworkToLower(network string) string {
	return strings.ToLower(network)
}
