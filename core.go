package sipstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Core is the façade owning the transport/transaction layers and the
// dialog table: it is the entry point applications build against.
type Core struct {
	ua *UserAgent
	c  *Client
	dc *DialogClient
	ds *DialogServer

	localContact sip.ContactHeader

	autoAuthenticate bool
	username         string
	password         string

	serverTxTTL    time.Duration
	earlyDialogTTL time.Duration

	onRequestHook         func(req *sip.Request, tx sip.ServerTransaction)
	onResponseHook        func(res *sip.Response)
	onDialogCreatedHook   func(s *DialogServerSession)
	onDialogConfirmedHook func(id string)
	onDialogClosedHook    func(id string)

	// onServerLegRequestHook/onClientLegRequestHook receive an in-dialog
	// request (any method besides ACK/CANCEL/BYE/INVITE) once it has been
	// matched to an existing dialog, letting a B2BUA or similar forward it
	// onto the other leg instead of the default 501 fallback.
	onServerLegRequestHook func(s *DialogServerSession, req *sip.Request, tx sip.ServerTransaction)
	onClientLegRequestHook func(s *DialogClientSession, req *sip.Request, tx sip.ServerTransaction)

	metrics *Metrics

	regMu     sync.Mutex
	regCancel context.CancelFunc

	log zerolog.Logger
}

type CoreOption func(*Core)

// WithLocalContact sets the Contact header inserted on outbound INVITEs
// and INVITE responses.
func WithLocalContact(contact sip.ContactHeader) CoreOption {
	return func(c *Core) { c.localContact = contact }
}

// WithAutoAuthenticate enables digest retry on 401/407 using the given
// credentials, for both SendRequest/CreateDialog and auto-registration.
func WithAutoAuthenticate(username, password string) CoreOption {
	return func(c *Core) {
		c.autoAuthenticate = true
		c.username = username
		c.password = password
	}
}

// WithServerTransactionTTL stores d on the Core. Nothing reads the stored
// value: how long a server transaction is kept after its final response is
// set by the transaction layer's own TimerJ/TimerH/TimerL/TimerI.
func WithServerTransactionTTL(d time.Duration) CoreOption {
	return func(c *Core) { c.serverTxTTL = d }
}

// WithEarlyDialogTTL bounds how long a dialog may remain Early before it
// is garbage-collected as Closed.
func WithEarlyDialogTTL(d time.Duration) CoreOption {
	return func(c *Core) { c.earlyDialogTTL = d }
}

// WithUserAgent makes every outbound request that doesn't already carry
// one emit a User-Agent header with value.
func WithUserAgent(value string) CoreOption {
	return func(c *Core) { c.c.userAgent = value }
}

// WithMetrics registers the Core's gauges/counters against reg.
func WithMetrics(reg *prometheus.Registry) CoreOption {
	return func(c *Core) {
		m := newMetrics(c)
		if err := m.Register(reg); err != nil {
			c.log.Error().Err(err).Msg("failed to register metrics")
			return
		}
		c.metrics = m
	}
}

func NewCore(ua *UserAgent, clientOpts []ClientOption, opts ...CoreOption) *Core {
	cl := NewClient(ua.TransportLayer(), ua.TransactionLayer(), clientOpts...)

	core := &Core{
		ua:             ua,
		c:              cl,
		earlyDialogTTL: 32 * 500 * time.Millisecond,
		log:            log.Logger.With().Str("caller", "Core").Logger(),
	}
	for _, o := range opts {
		o(core)
	}

	core.dc = NewDialogClient(cl, core.localContact)
	core.ds = NewDialogServer(cl, core.localContact)

	ua.TransactionLayer().OnRequest(core.handleRequest)
	ua.TransactionLayer().OnUnhandledResponse(core.handleUnhandledResponse)

	return core
}

// SetOutboundProxy re-targets all outbound requests to uri while
// preserving each request's own Request-URI.
func (core *Core) SetOutboundProxy(uri sip.Uri) {
	core.c.SetOutboundProxy(uri)
}

// ActiveTransactionCount reports the number of live client/server
// transactions, exposed for tests and the prometheus gauge alike.
func (core *Core) ActiveTransactionCount() (client int, server int) {
	return core.ua.TransactionLayer().ActiveTransactionCount()
}

// Close stops any running auto-registration loop and tears down the
// underlying transport/transaction layers, terminating every live
// transaction.
func (core *Core) Close() {
	core.StopAutoRegistration()
	core.ua.Close()
}

func (core *Core) OnRequest(f func(req *sip.Request, tx sip.ServerTransaction)) {
	core.onRequestHook = f
}
func (core *Core) OnResponse(f func(res *sip.Response))         { core.onResponseHook = f }
func (core *Core) OnDialogCreated(f func(s *DialogServerSession)) { core.onDialogCreatedHook = f }
func (core *Core) OnDialogConfirmed(f func(id string))          { core.onDialogConfirmedHook = f }
func (core *Core) OnDialogClosed(f func(id string))             { core.onDialogClosedHook = f }

// OnServerLegRequest installs the handler for an in-dialog request (other
// than ACK/CANCEL/BYE/INVITE) matching a dialog this core accepted as a
// UAS. With no handler installed, such a request falls through to 501.
func (core *Core) OnServerLegRequest(f func(s *DialogServerSession, req *sip.Request, tx sip.ServerTransaction)) {
	core.onServerLegRequestHook = f
}

// OnClientLegRequest is OnServerLegRequest's UAC-side counterpart, for a
// dialog this core originated.
func (core *Core) OnClientLegRequest(f func(s *DialogClientSession, req *sip.Request, tx sip.ServerTransaction)) {
	core.onClientLegRequestHook = f
}

// SendRequest sends req as a new, non-dialog client transaction and
// blocks for its final response, retrying once on 401/407 when
// auto-authenticate is enabled.
func (core *Core) SendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	res, err := core.c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if core.autoAuthenticate && isChallenge(res) {
		return core.c.DoDigestAuth(ctx, req, res, DigestAuth{Username: core.username, Password: core.password})
	}
	return res, nil
}

func isChallenge(res *sip.Response) bool {
	return res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired
}

// CreateDialog sends invite as a new client dialog and blocks until the
// handshake completes, fails, or ctx is cancelled/times out.
func (core *Core) CreateDialog(ctx context.Context, invite *sip.Request) (*DialogClientSession, error) {
	s, err := core.dc.Invite(ctx, invite)
	if err != nil {
		return nil, err
	}

	username, password := "", ""
	if core.autoAuthenticate {
		username, password = core.username, core.password
	}

	err = s.WaitAnswer(ctx, AnswerOptions{Username: username, Password: password})
	switch s.LoadState() {
	case sip.DialogStateConfirmed:
		if core.onDialogConfirmedHook != nil {
			core.onDialogConfirmedHook(s.ID)
		}
	case sip.DialogStateClosed:
		if core.onDialogClosedHook != nil {
			core.onDialogClosedHook(s.ID)
		}
	}
	return s, err
}

// Reply sends res on the given server transaction, the direct form of
// "reply(args, response)".
func (core *Core) Reply(tx sip.ServerTransaction, res *sip.Response) error {
	return tx.Respond(res)
}

func (core *Core) handleUnhandledResponse(res *sip.Response) {
	if core.onResponseHook != nil {
		core.onResponseHook(res)
	}
}

func (core *Core) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	if core.onRequestHook != nil {
		core.onRequestHook(req, tx)
	}

	switch {
	case req.IsAck():
		if err := core.ds.ReadAck(req); err != nil {
			core.log.Debug().Err(err).Msg("ACK matched no known dialog")
		}

	case req.IsCancel():
		// Absorbed transparently by the matching INVITE server
		// transaction; nothing left for the core to do.

	case req.Method == sip.BYE:
		core.handleBye(req, tx)

	case req.Method == sip.INVITE:
		core.handleInvite(req, tx)

	default:
		core.handleMidDialogRequest(req, tx)
	}
}

// handleMidDialogRequest dispatches any in-dialog request the switch above
// doesn't special-case (INFO, UPDATE, REFER, etc.) to whichever dialog half
// matches it, invoking the corresponding leg-request hook so a B2BUA can
// forward it onto the other leg; a request matching neither dialog table,
// or one with a stale CSeq, falls back to 501/500.
func (core *Core) handleMidDialogRequest(req *sip.Request, tx sip.ServerTransaction) {
	if s, err := core.ds.ReadRequest(req); err == nil {
		if core.onServerLegRequestHook != nil {
			core.onServerLegRequestHook(s, req, tx)
			return
		}
	} else if errors.Is(err, sip.ErrBadCSeq) {
		res := sip.NewResponseFromRequest(req, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		_ = tx.Respond(res)
		return
	}

	if s, err := core.dc.ReadRequest(req); err == nil {
		if core.onClientLegRequestHook != nil {
			core.onClientLegRequestHook(s, req, tx)
			return
		}
	} else if errors.Is(err, sip.ErrBadCSeq) {
		res := sip.NewResponseFromRequest(req, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		_ = tx.Respond(res)
		return
	}

	res := sip.NewResponseFromRequest(req, int(sip.StatusNotImplemented), sip.ReasonPhrase(sip.StatusNotImplemented), nil)
	if err := tx.Respond(res); err != nil {
		core.log.Error().Err(err).Msg("failed to send 501 fallback")
	}
}

func (core *Core) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := core.ds.ReadBye(req, tx); err == nil {
		return
	}
	if err := core.dc.ReadBye(req, tx); err == nil {
		return
	}
	res := sip.NewResponseFromRequest(req, int(sip.StatusCallTransDoesNotExist), sip.ReasonPhrase(sip.StatusCallTransDoesNotExist), nil)
	if err := tx.Respond(res); err != nil {
		core.log.Error().Err(err).Msg("failed to send 481 for unmatched BYE")
	}
}

func (core *Core) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	s, err := core.ds.ReadInvite(req, tx)
	if err != nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusBadRequest), sip.ReasonPhrase(sip.StatusBadRequest), nil)
		_ = tx.Respond(res)
		return
	}

	s.ArmEarlyExpiry(core.earlyDialogTTL, func() {
		s.Close()
		if core.onDialogClosedHook != nil {
			core.onDialogClosedHook(s.ID)
		}
	})

	s.OnState(func(state sip.DialogState) {
		switch state {
		case sip.DialogStateConfirmed:
			if core.onDialogConfirmedHook != nil {
				core.onDialogConfirmedHook(s.ID)
			}
		case sip.DialogStateClosed:
			if core.onDialogClosedHook != nil {
				core.onDialogClosedHook(s.ID)
			}
		}
	})

	if core.onDialogCreatedHook != nil {
		core.onDialogCreatedHook(s)
	}
}

// StartAutoRegistration issues a REGISTER to registrarURI for address,
// retrying on 401/407, and keeps re-registering at half the granted
// Expires until ctx is cancelled or Stop is called.
func (core *Core) StartAutoRegistration(ctx context.Context, registrarURI sip.Uri, address sip.Uri) error {
	core.regMu.Lock()
	if core.regCancel != nil {
		core.regCancel()
	}
	regCtx, cancel := context.WithCancel(ctx)
	core.regCancel = cancel
	core.regMu.Unlock()

	expires, err := core.register(regCtx, registrarURI, address)
	if err != nil {
		return err
	}

	go core.registrationLoop(regCtx, registrarURI, address, expires)
	return nil
}

// StopAutoRegistration cancels a previously started registration loop.
func (core *Core) StopAutoRegistration() {
	core.regMu.Lock()
	defer core.regMu.Unlock()
	if core.regCancel != nil {
		core.regCancel()
		core.regCancel = nil
	}
}

func (core *Core) registrationLoop(ctx context.Context, registrarURI, address sip.Uri, expires uint32) {
	for {
		wait := time.Duration(expires/2) * time.Second
		if wait <= 0 {
			wait = 30 * time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		next, err := core.register(ctx, registrarURI, address)
		if err != nil {
			core.log.Error().Err(err).Msg("re-registration failed")
			continue
		}
		expires = next
	}
}

func (core *Core) register(ctx context.Context, registrarURI, address sip.Uri) (uint32, error) {
	req := sip.NewRequest(sip.REGISTER, registrarURI)
	to := &sip.ToHeader{}
	to.Address = *address.Clone()
	to.Params = sip.NewParams()
	req.AppendHeader(to)
	req.AppendHeader(core.localContact.Clone())

	res, err := core.SendRequest(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("REGISTER failed: %w", err)
	}
	if !res.IsSuccess() {
		return 0, fmt.Errorf("REGISTER answered %d %s", res.StatusCode, res.Reason)
	}

	if exp := res.GetHeader("Expires"); exp != nil {
		var n uint32
		if _, err := fmt.Sscanf(exp.Value(), "%d", &n); err == nil {
			return n, nil
		}
	}
	return 3600, nil
}
