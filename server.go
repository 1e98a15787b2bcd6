package sipstack

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler processes a request that arrived on a newly created
// server transaction.
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// Server dispatches inbound requests to a handler registered per method,
// terminating the server transaction once the handler returns.
type Server struct {
	ua *UserAgent

	requestHandlers map[sip.RequestMethod]RequestHandler
	noRouteHandler  RequestHandler

	tlsConfig *tls.Config

	log zerolog.Logger
}

type ServerOption func(*Server)

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerTLSConfig supplies the certificate/verification config used by
// ListenAndServe(ctx, "tls", addr).
func WithServerTLSConfig(config *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConfig = config }
}

func NewServer(ua *UserAgent, opts ...ServerOption) *Server {
	s := &Server{
		ua:              ua,
		requestHandlers: make(map[sip.RequestMethod]RequestHandler),
		log:             log.Logger.With().Str("caller", "Server").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.noRouteHandler = s.defaultUnhandledHandler
	ua.TransactionLayer().OnRequest(s.onRequest)
	return s
}

func (srv *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	switch strings.ToLower(network) {
	case "udp":
		return srv.ua.TransportLayer().ListenUDP(ctx, addr)
	case "tcp":
		return srv.ua.TransportLayer().ListenTCP(ctx, addr)
	case "tls":
		return srv.ua.TransportLayer().ListenTLS(ctx, addr, srv.tlsConfig)
	}
	return transport.ErrNetworkNotSupported
}

func (srv *Server) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	go srv.handleRequest(req, tx)
}

func (srv *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	handler := srv.getHandler(req.Method)
	handler(req, tx)
	if tx != nil {
		tx.Terminate()
	}
}

// OnRequest registers handler for method, replacing any earlier one.
func (srv *Server) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	srv.requestHandlers[method] = handler
}

func (srv *Server) OnInvite(h RequestHandler)    { srv.requestHandlers[sip.INVITE] = h }
func (srv *Server) OnAck(h RequestHandler)       { srv.requestHandlers[sip.ACK] = h }
func (srv *Server) OnCancel(h RequestHandler)    { srv.requestHandlers[sip.CANCEL] = h }
func (srv *Server) OnBye(h RequestHandler)       { srv.requestHandlers[sip.BYE] = h }
func (srv *Server) OnRegister(h RequestHandler)  { srv.requestHandlers[sip.REGISTER] = h }
func (srv *Server) OnOptions(h RequestHandler)   { srv.requestHandlers[sip.OPTIONS] = h }
func (srv *Server) OnSubscribe(h RequestHandler) { srv.requestHandlers[sip.SUBSCRIBE] = h }
func (srv *Server) OnNotify(h RequestHandler)    { srv.requestHandlers[sip.NOTIFY] = h }
func (srv *Server) OnRefer(h RequestHandler)     { srv.requestHandlers[sip.REFER] = h }
func (srv *Server) OnInfo(h RequestHandler)      { srv.requestHandlers[sip.INFO] = h }
func (srv *Server) OnMessage(h RequestHandler)   { srv.requestHandlers[sip.MESSAGE] = h }

// OnNoRoute overrides the default 501 Not Implemented response sent for a
// method with no registered handler.
func (srv *Server) OnNoRoute(h RequestHandler) { srv.noRouteHandler = h }

func (srv *Server) getHandler(method sip.RequestMethod) RequestHandler {
	if h, ok := srv.requestHandlers[method]; ok {
		return h
	}
	return srv.noRouteHandler
}

func (srv *Server) defaultUnhandledHandler(req *sip.Request, tx sip.ServerTransaction) {
	srv.log.Warn().Str("method", string(req.Method)).Msg("no handler registered for method")
	res := sip.NewResponseFromRequest(req, int(sip.StatusNotImplemented), sip.ReasonPhrase(sip.StatusNotImplemented), nil)
	if err := tx.Respond(res); err != nil {
		srv.log.Error().Err(err).Msg("failed to respond 501 Not Implemented")
	}
}
