package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNetworkNotSupported is returned for a network name the transport
// layer has no listener implementation for.
var ErrNetworkNotSupported = errors.New("network not supported")

// Layer owns one Transport per configured network and exposes a single
// WriteMsg/ClientRequestConnection surface used by the transaction layer
// and core to send messages without caring which socket type is involved.
type Layer struct {
	log zerolog.Logger

	parser     *sip.Parser
	bufferSize int

	externalHost string
	externalPort int

	mu         sync.RWMutex
	transports map[string]Transport

	handler sip.MessageHandler
}

type LayerOption func(*Layer)

// WithBufferSize overrides the per-read buffer size each transport this
// Layer starts allocates (default 65535 bytes).
func WithBufferSize(n int) LayerOption {
	return func(l *Layer) { l.bufferSize = n }
}

// WithExternalBinding makes every outbound request's topmost Via and
// Contact advertise host:port instead of the local socket's own address,
// the static-NAT case: a fixed public IP/port-forward configured out of
// band, distinct from the RFC 3581 "rport" mechanism which lets the far
// side discover the binding dynamically.
func WithExternalBinding(host string, port int) LayerOption {
	return func(l *Layer) { l.externalHost = host; l.externalPort = port }
}

func NewLayer(parser *sip.Parser, opts ...LayerOption) *Layer {
	l := &Layer{
		log:        log.Logger.With().Str("caller", "transport.Layer").Logger(),
		parser:     parser,
		bufferSize: transportBufferSize,
		transports: make(map[string]Transport),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OnMessage installs the handler invoked for every message received on any
// transport (normally the router's incoming-path dispatcher).
func (l *Layer) OnMessage(handler sip.MessageHandler) {
	l.handler = handler
}

func (l *Layer) dispatch(msg sip.Message) {
	if l.handler != nil {
		l.handler(msg)
	}
}

// ListenUDP/ListenTCP/ListenTLS register and start a transport of the
// given type on addr. Each may be called at most once per network.
func (l *Layer) ListenUDP(ctx context.Context, addr string) error {
	t := NewUDPTransport(l.parser, l.bufferSize)
	l.addTransport(t)
	return t.ListenAndServe(ctx, addr, l.dispatch)
}

func (l *Layer) ListenTCP(ctx context.Context, addr string) error {
	t := NewTCPTransport(l.parser, l.bufferSize)
	l.addTransport(t)
	return t.ListenAndServe(ctx, addr, l.dispatch)
}

func (l *Layer) ListenTLS(ctx context.Context, addr string, config *tls.Config) error {
	t := NewTLSTransport(l.parser, config, l.bufferSize)
	l.addTransport(t)
	return t.ListenAndServe(ctx, addr, l.dispatch)
}

func (l *Layer) addTransport(t Transport) {
	l.mu.Lock()
	l.transports[NetworkToLower(t.Network())] = t
	l.mu.Unlock()
}

func (l *Layer) getTransport(network string) (Transport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.transports[NetworkToLower(network)]
	return t, ok
}

func (l *Layer) Close() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var firstErr error
	for _, t := range l.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetConnection returns the already-open connection for addr on the given
// network, used by the transaction layer to reply on the same socket an
// inbound request arrived on rather than dialing a new one.
func (l *Layer) GetConnection(network, addr string) (Connection, error) {
	t, ok := l.getTransport(network)
	if !ok {
		return nil, fmt.Errorf("%w: transport %s not configured", sip.ErrTransportUnavailable, network)
	}
	return t.GetConnection(addr)
}

// SelectTransport implements the outbound routing rule: an explicit
// transport URI parameter wins; otherwise a secure scheme prefers TLS, an
// insecure one prefers UDP, and either falls back to whatever transport is
// actually configured.
func (l *Layer) SelectTransport(targetURI sip.Uri) (Transport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if tpParam, ok := targetURI.UriParams.Get("transport"); ok {
		if t, ok := l.transports[NetworkToLower(tpParam)]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("%w: transport=%s not configured", sip.ErrTransportUnavailable, tpParam)
	}

	preferred := TransportUDP
	if targetURI.IsEncrypted() {
		preferred = TransportTLS
	}
	if t, ok := l.transports[preferred]; ok {
		return t, nil
	}
	for _, t := range l.transports {
		return t, nil
	}
	return nil, fmt.Errorf("%w: no transport configured", sip.ErrTransportUnavailable)
}

// ClientRequestConnection resolves the request's destination, picks a
// transport for it, and returns a ready-to-write Connection. When an
// external binding is configured (WithExternalBinding), the topmost Via
// sent-by and the Contact host:port are rewritten to it first, the
// static-NAT case.
func (l *Layer) ClientRequestConnection(ctx context.Context, req *sip.Request) (Connection, error) {
	if l.externalHost != "" {
		l.rewriteOutboundBinding(req)
	}

	target := req.Recipient
	// A Route set (outbound proxy, Record-Route-derived) overrides the
	// Request-URI for the purpose of socket selection only; the
	// Request-URI itself is left untouched per RFC 3261 §16.12.1.2.
	if route, ok := req.Route(); ok {
		target = route.Address
	}
	if via, ok := req.Via(); ok && via.Params != nil {
		if maddr, ok := via.Params.Get("maddr"); ok {
			target.Host = maddr
		}
	}

	t, err := l.SelectTransport(target)
	if err != nil {
		return nil, err
	}

	host := target.Host
	port := target.Port
	if port == 0 {
		port = target.DefaultPort()
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: resolve %s: %v", sip.ErrTransportUnavailable, host, err)
	}
	raddr := Addr{IP: ips[0].IP, Port: port}
	dst := fmt.Sprintf("%s:%d", raddr.IP, raddr.Port)

	if conn, err := t.GetConnection(dst); err == nil {
		conn.Ref(1)
		return conn, nil
	}

	conn, err := t.CreateConnection(ctx, Addr{}, raddr, l.dispatch)
	if err != nil {
		return nil, err
	}
	conn.Ref(1)
	return conn, nil
}

// rewriteOutboundBinding substitutes the configured external host:port for
// the topmost Via sent-by and the Contact address, so a peer across a NAT
// sees a reachable binding instead of the local socket's private address.
func (l *Layer) rewriteOutboundBinding(req *sip.Request) {
	if via, ok := req.Via(); ok {
		via.Host = l.externalHost
		if l.externalPort > 0 {
			via.Port = l.externalPort
		}
	}
	if contact, ok := req.Contact(); ok {
		contact.Address.Host = l.externalHost
		if l.externalPort > 0 {
			contact.Address.Port = l.externalPort
		}
	}
}

// WriteMsg resolves and writes req in one call, matching the common case
// where the caller does not need to hold the connection open itself.
func (l *Layer) WriteMsg(ctx context.Context, req *sip.Request) error {
	conn, err := l.ClientRequestConnection(ctx, req)
	if err != nil {
		return err
	}
	defer conn.TryClose()
	return conn.WriteMsg(req)
}
