package sipstack

import (
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transaction"
	"github.com/relaysip/sipstack/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UserAgent owns the transport and transaction layers shared by every
// Client/Server/Core built on top of it; most applications create exactly
// one.
type UserAgent struct {
	name     string
	hostname string

	bufferSize int
	timers     *transaction.Timers

	externalHost string
	externalPort int

	tp *transport.Layer
	tx *transaction.Layer

	log zerolog.Logger
}

type UserAgentOption func(*UserAgent)

func WithUserAgentName(name string) UserAgentOption {
	return func(ua *UserAgent) { ua.name = name }
}

func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(ua *UserAgent) { ua.hostname = hostname }
}

func WithUserAgentLogger(l zerolog.Logger) UserAgentOption {
	return func(ua *UserAgent) { ua.log = l }
}

// WithTransportBufferSize overrides the per-read buffer size each transport
// allocates (default 65535 bytes).
func WithTransportBufferSize(n int) UserAgentOption {
	return func(ua *UserAgent) { ua.bufferSize = n }
}

// WithTransactionTimers overrides the RFC 3261 §17.1.1.1 base timers
// (T1/T2/T4) every client/server transaction derives its timing from.
func WithTransactionTimers(t1, t2, t4 time.Duration) UserAgentOption {
	return func(ua *UserAgent) { ua.timers = transaction.NewTimers(t1, t2, t4) }
}

// WithExternalBinding makes every outbound request's topmost Via and
// Contact advertise host:port instead of the local socket's own address:
// the static NAT case (a fixed public IP/port-forward configured out of
// band), as opposed to WithClientNAT's dynamic rport mechanism.
func WithExternalBinding(host string, port int) UserAgentOption {
	return func(ua *UserAgent) { ua.externalHost = host; ua.externalPort = port }
}

func NewUA(opts ...UserAgentOption) *UserAgent {
	ua := &UserAgent{
		name: "sipstack",
		log:  log.Logger.With().Str("caller", "UserAgent").Logger(),
	}
	for _, o := range opts {
		o(ua)
	}

	var tpOpts []transport.LayerOption
	if ua.bufferSize > 0 {
		tpOpts = append(tpOpts, transport.WithBufferSize(ua.bufferSize))
	}
	if ua.externalHost != "" {
		tpOpts = append(tpOpts, transport.WithExternalBinding(ua.externalHost, ua.externalPort))
	}

	parser := sip.NewParser()
	ua.tp = transport.NewLayer(parser, tpOpts...)
	ua.tx = transaction.NewLayer(ua.tp, ua.timers)
	return ua
}

func (ua *UserAgent) TransportLayer() *transport.Layer   { return ua.tp }
func (ua *UserAgent) TransactionLayer() *transaction.Layer { return ua.tx }

func (ua *UserAgent) Close() {
	ua.tx.Close()
	ua.tp.Close()
}
