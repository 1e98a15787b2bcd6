// Package b2bua pairs a server-side dialog (the leg facing the call's
// originator) with a client-side dialog (the leg to the resolved callee),
// forwarding and optionally rewriting messages between them.
package b2bua

import (
	"context"
	"errors"
	"sync"
	"time"

	sipstack "github.com/relaysip/sipstack"
	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resolver maps an inbound INVITE to the URI of the far party the B2BUA
// should originate a new leg to.
type Resolver func(inbound *sip.Request) (sip.Uri, error)

// Hooks mirror the named bridging callbacks: each may rewrite the message
// in place or simply observe it. A nil hook is a no-op.
type Hooks struct {
	OnInviteRequest    func(req *sip.Request)
	OnInviteResponse   func(res *sip.Response)
	OnClientRequest    func(req *sip.Request)
	OnServerRequest    func(req *sip.Request)
	OnClientResponse   func(res *sip.Response)
	OnServerResponse   func(res *sip.Response)
	OnSessionConfirmed func(s *Session)
	OnSessionClosing   func(s *Session)
}

// Session pairs one server-side leg (facing the originator) to one
// client-side leg (facing the callee); closing either closes the other.
type Session struct {
	ServerLeg *sipstack.DialogServerSession
	ClientLeg *sipstack.DialogClientSession

	closeOnce sync.Once
}

// B2BUA owns the set of in-progress/bridged sessions and the Core whose
// dialog-created/dialog-closed events drive the bridging algorithm.
type B2BUA struct {
	core         *sipstack.Core
	localContact sip.ContactHeader
	resolve      Resolver
	hooks        Hooks

	legTimeout time.Duration

	mu             sync.Mutex
	byServerID     map[string]*Session
	byClientID     map[string]*Session

	log zerolog.Logger
}

// New builds a B2BUA and wires its dialog-created/dialog-closed handling
// onto core. A single B2BUA installs the only OnDialogCreated/
// OnDialogClosed hooks core dispatches to an inbound INVITE; register it
// before any other code that also depends on those hooks.
func New(core *sipstack.Core, localContact sip.ContactHeader, resolve Resolver, hooks Hooks) *B2BUA {
	b := &B2BUA{
		core:         core,
		localContact: localContact,
		resolve:      resolve,
		hooks:        hooks,
		legTimeout:   10 * time.Second,
		byServerID:   make(map[string]*Session),
		byClientID:   make(map[string]*Session),
		log:          log.Logger.With().Str("caller", "B2BUA").Logger(),
	}
	core.OnDialogCreated(b.handleServerInvite)
	core.OnDialogClosed(b.handleDialogClosed)
	core.OnServerLegRequest(b.handleServerLegRequest)
	core.OnClientLegRequest(b.handleClientLegRequest)
	return b
}

func (b *B2BUA) handleServerInvite(serverLeg *sipstack.DialogServerSession) {
	if b.hooks.OnInviteRequest != nil {
		b.hooks.OnInviteRequest(serverLeg.InviteRequest)
	}

	target, err := b.resolve(serverLeg.InviteRequest)
	if err != nil {
		_ = serverLeg.Respond(int(sip.StatusNotFound), sip.ReasonPhrase(sip.StatusNotFound), nil)
		return
	}

	sess := &Session{ServerLeg: serverLeg}
	b.mu.Lock()
	b.byServerID[serverLeg.ID] = sess
	b.mu.Unlock()

	go b.originate(sess, target)
}

// originate synthesizes the outbound leg, blocks for its final response
// (the bridging algorithm only forwards final responses, not 1xx), and
// answers the server leg accordingly.
func (b *B2BUA) originate(sess *Session, target sip.Uri) {
	outbound := synthesizeOutboundInvite(sess.ServerLeg.InviteRequest, target, b.localContact)
	if b.hooks.OnClientRequest != nil {
		b.hooks.OnClientRequest(outbound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.legTimeout)
	defer cancel()

	clientLeg, err := b.core.CreateDialog(ctx, outbound)
	if clientLeg != nil {
		sess.ClientLeg = clientLeg
		if clientLeg.ID != "" {
			b.mu.Lock()
			b.byClientID[clientLeg.ID] = sess
			b.mu.Unlock()
		}

		if b.hooks.OnInviteResponse != nil {
			b.hooks.OnInviteResponse(clientLeg.InviteResponse)
		}
		if b.hooks.OnClientResponse != nil {
			b.hooks.OnClientResponse(clientLeg.InviteResponse)
		}
	}

	if err != nil {
		b.failServerLeg(sess, err)
		return
	}

	// The originating leg may have been cancelled or have failed while we
	// were still dialing out; nothing to confirm, just tear the new leg
	// back down.
	if sess.ServerLeg.LoadState() == sip.DialogStateClosed {
		b.terminatePeerLeg(ctx, clientLeg)
		b.forget(sess)
		return
	}

	if err := clientLeg.Ack(ctx, nil); err != nil {
		b.log.Error().Err(err).Msg("failed to ACK bridged leg")
	}

	res := sip.NewResponseFromRequest(sess.ServerLeg.InviteRequest, int(sip.StatusOK), sip.ReasonPhrase(sip.StatusOK), clientLeg.InviteResponse.Body())
	if b.hooks.OnServerResponse != nil {
		b.hooks.OnServerResponse(res)
	}
	if err := sess.ServerLeg.WriteResponse(res); err != nil {
		b.log.Error().Err(err).Msg("failed to answer originating leg")
		_ = clientLeg.Bye(ctx)
		return
	}

	if b.hooks.OnSessionConfirmed != nil {
		b.hooks.OnSessionConfirmed(sess)
	}
}

// failServerLeg propagates a non-2xx final response on the outbound leg
// back to the originator unchanged, per the "propagate, don't recurse"
// rule for 3xx and higher.
func (b *B2BUA) failServerLeg(sess *Session, err error) {
	var dr *sipstack.ErrDialogResponse
	if errors.As(err, &dr) {
		res := sip.NewResponseFromRequest(sess.ServerLeg.InviteRequest, int(dr.Res.StatusCode), dr.Res.Reason, nil)
		_ = sess.ServerLeg.WriteResponse(res)
	} else {
		res := sip.NewResponseFromRequest(sess.ServerLeg.InviteRequest, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		_ = sess.ServerLeg.WriteResponse(res)
	}
	b.forget(sess)
}

// handleDialogClosed implements "closing either leg initiates BYE on the
// other": whichever leg closes first (inbound BYE, CANCEL, or failure)
// drives termination of its peer exactly once per session.
func (b *B2BUA) handleDialogClosed(id string) {
	b.mu.Lock()
	sess, ok := b.byServerID[id]
	if !ok {
		sess, ok = b.byClientID[id]
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	sess.closeOnce.Do(func() {
		if b.hooks.OnSessionClosing != nil {
			b.hooks.OnSessionClosing(sess)
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.legTimeout)
		defer cancel()

		switch {
		case id == sess.ServerLeg.ID && sess.ClientLeg != nil:
			b.terminatePeerLeg(ctx, sess.ClientLeg)
		case sess.ClientLeg != nil && id == sess.ClientLeg.ID:
			if sess.ServerLeg.LoadState() != sip.DialogStateClosed {
				_ = sess.ServerLeg.Bye(ctx)
			}
		}

		b.forget(sess)
	})
}

// terminatePeerLeg resolves the CANCEL-vs-BYE Open Question: a leg that
// never reached Confirmed is torn down with CANCEL (RFC 3261 §9.1), since
// a BYE before the handshake completes has no defined meaning; a
// Confirmed leg is torn down with BYE (§15).
func (b *B2BUA) terminatePeerLeg(ctx context.Context, clientLeg *sipstack.DialogClientSession) {
	if clientLeg.LoadState() == sip.DialogStateConfirmed {
		_ = clientLeg.Bye(ctx)
		return
	}
	_ = clientLeg.CancelInvite()
}

func (b *B2BUA) forget(sess *Session) {
	b.mu.Lock()
	delete(b.byServerID, sess.ServerLeg.ID)
	if sess.ClientLeg != nil {
		delete(b.byClientID, sess.ClientLeg.ID)
	}
	b.mu.Unlock()
}

// handleServerLegRequest forwards a mid-dialog request received on the
// originating (server) leg onto the bridged (client) leg, translates the
// final response back, and answers the original server transaction with
// it; this is what lets a REFER, INFO, or UPDATE sent by the caller reach
// the callee instead of falling to 501.
func (b *B2BUA) handleServerLegRequest(serverLeg *sipstack.DialogServerSession, req *sip.Request, tx sip.ServerTransaction) {
	b.mu.Lock()
	sess, ok := b.byServerID[serverLeg.ID]
	b.mu.Unlock()
	if !ok || sess.ClientLeg == nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusCallTransDoesNotExist), sip.ReasonPhrase(sip.StatusCallTransDoesNotExist), nil)
		_ = tx.Respond(res)
		return
	}

	if b.hooks.OnServerRequest != nil {
		b.hooks.OnServerRequest(req)
	}

	var ct *sip.ContentTypeHeader
	if h, ok := req.ContentType(); ok {
		ct = h
	}
	outbound := buildClientLegRequest(sess.ClientLeg, req.Method, req.Body(), ct)
	if b.hooks.OnClientRequest != nil {
		b.hooks.OnClientRequest(outbound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.legTimeout)
	defer cancel()

	peerTx, err := sess.ClientLeg.TransactionRequest(ctx, outbound)
	if err != nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		_ = tx.Respond(res)
		return
	}
	defer peerTx.Terminate()

	res, err := waitFinalResponse(ctx, peerTx)
	if err != nil {
		fallback := sip.NewResponseFromRequest(req, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		_ = tx.Respond(fallback)
		return
	}
	if b.hooks.OnClientResponse != nil {
		b.hooks.OnClientResponse(res)
	}

	translated := sip.NewResponseFromRequest(req, int(res.StatusCode), res.Reason, res.Body())
	if b.hooks.OnServerResponse != nil {
		b.hooks.OnServerResponse(translated)
	}
	if err := tx.Respond(translated); err != nil {
		b.log.Error().Err(err).Msg("failed to relay translated response to server leg")
	}
}

// handleClientLegRequest is handleServerLegRequest's mirror image: a
// mid-dialog request arriving on the bridged (client) leg is forwarded
// onto the originating (server) leg.
func (b *B2BUA) handleClientLegRequest(clientLeg *sipstack.DialogClientSession, req *sip.Request, tx sip.ServerTransaction) {
	b.mu.Lock()
	sess, ok := b.byClientID[clientLeg.ID]
	b.mu.Unlock()
	if !ok || sess.ServerLeg == nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusCallTransDoesNotExist), sip.ReasonPhrase(sip.StatusCallTransDoesNotExist), nil)
		_ = tx.Respond(res)
		return
	}

	if b.hooks.OnClientRequest != nil {
		b.hooks.OnClientRequest(req)
	}

	var ct *sip.ContentTypeHeader
	if h, ok := req.ContentType(); ok {
		ct = h
	}
	outbound := buildServerLegRequest(sess.ServerLeg, req.Method, req.Body(), ct)
	if b.hooks.OnServerRequest != nil {
		b.hooks.OnServerRequest(outbound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.legTimeout)
	defer cancel()

	peerTx, err := sess.ServerLeg.TransactionRequest(ctx, outbound)
	if err != nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		_ = tx.Respond(res)
		return
	}
	defer peerTx.Terminate()

	res, err := waitFinalResponse(ctx, peerTx)
	if err != nil {
		fallback := sip.NewResponseFromRequest(req, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		_ = tx.Respond(fallback)
		return
	}
	if b.hooks.OnServerResponse != nil {
		b.hooks.OnServerResponse(res)
	}

	translated := sip.NewResponseFromRequest(req, int(res.StatusCode), res.Reason, res.Body())
	if b.hooks.OnClientResponse != nil {
		b.hooks.OnClientResponse(translated)
	}
	if err := tx.Respond(translated); err != nil {
		b.log.Error().Err(err).Msg("failed to relay translated response to client leg")
	}
}

// waitFinalResponse blocks for the first non-provisional response on tx,
// the same wait-loop shape as sipstack.Client.Do.
func waitFinalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, sip.ErrDialogGone
			}
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// buildClientLegRequest composes an in-dialog request to send on the
// bridged (client) leg, mirroring the dialog's own From/To/Call-ID;
// DialogClientSession.TransactionRequest fills in CSeq, Route and Via.
func buildClientLegRequest(clientLeg *sipstack.DialogClientSession, method sip.RequestMethod, body []byte, contentType *sip.ContentTypeHeader) *sip.Request {
	out := sip.NewRequest(method, clientLeg.InviteRequest.Recipient)
	out.SipVersion = clientLeg.InviteRequest.SipVersion
	out.SetBody(body)
	if contentType != nil {
		clone := *contentType
		out.AppendHeader(&clone)
	}

	sip.CopyHeaders("From", clientLeg.InviteRequest, out)
	if clientLeg.InviteResponse != nil {
		sip.CopyHeaders("To", clientLeg.InviteResponse, out)
	} else {
		sip.CopyHeaders("To", clientLeg.InviteRequest, out)
	}
	sip.CopyHeaders("Call-ID", clientLeg.InviteRequest, out)

	mf := sip.MaxForwardsHeader(70)
	out.AppendHeader(&mf)
	return out
}

// buildServerLegRequest is buildClientLegRequest's mirror for the
// originating (server) leg, reversing From/To the same way newByeRequestUAS
// does for BYE: our own tag becomes From, the caller's tag becomes To.
func buildServerLegRequest(serverLeg *sipstack.DialogServerSession, method sip.RequestMethod, body []byte, contentType *sip.ContentTypeHeader) *sip.Request {
	out := sip.NewRequest(method, serverLeg.InviteRequest.Recipient)
	out.SipVersion = serverLeg.InviteRequest.SipVersion
	out.SetBody(body)
	if contentType != nil {
		clone := *contentType
		out.AppendHeader(&clone)
	}

	if to, ok := serverLeg.InviteResponse.To(); ok {
		from := &sip.FromHeader{}
		from.DisplayName = to.DisplayName
		from.Address = to.Address
		from.Params = to.Params.Clone()
		out.AppendHeader(from)
	}
	if reqFrom, ok := serverLeg.InviteRequest.From(); ok {
		toHdr := &sip.ToHeader{}
		toHdr.DisplayName = reqFrom.DisplayName
		toHdr.Address = reqFrom.Address
		toHdr.Params = reqFrom.Params.Clone()
		out.AppendHeader(toHdr)
	}
	sip.CopyHeaders("Call-ID", serverLeg.InviteRequest, out)

	mf := sip.MaxForwardsHeader(70)
	out.AppendHeader(&mf)
	return out
}

// synthesizeOutboundInvite builds the far-party leg's INVITE: a fresh
// Call-ID, tags, Via and branch (left for the client layer to fill in),
// targeting target, carrying the inbound leg's body unchanged.
func synthesizeOutboundInvite(inbound *sip.Request, target sip.Uri, localContact sip.ContactHeader) *sip.Request {
	out := sip.NewRequest(sip.INVITE, target)
	out.SipVersion = inbound.SipVersion
	out.SetBody(inbound.Body())

	from := &sip.FromHeader{}
	from.DisplayName = localContact.DisplayName
	from.Address = localContact.Address
	from.Params = sip.NewParams()
	from.Params.Add("tag", sip.GenerateTagN(16))
	out.AppendHeader(from)

	to := &sip.ToHeader{Address: target}
	to.Params = sip.NewParams()
	out.AppendHeader(to)

	if ct, ok := inbound.ContentType(); ok {
		clone := *ct
		out.AppendHeader(&clone)
	}

	return out
}
