package sipstack

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DialogClient is the UAC half of the dialog layer: it sends the initial
// INVITE, drives the early/confirmed handshake, and answers in-dialog
// requests the peer later sends back (notably BYE).
type DialogClient struct {
	c          *Client
	contactHDR sip.ContactHeader
	dialogs    sync.Map // id string -> *DialogClientSession
	log        zerolog.Logger
}

func NewDialogClient(c *Client, contact sip.ContactHeader) *DialogClient {
	return &DialogClient{
		c:          c,
		contactHDR: contact,
		log:        log.Logger.With().Str("caller", "DialogClient").Logger(),
	}
}

func (dc *DialogClient) loadDialog(id string) (*DialogClientSession, bool) {
	v, ok := dc.dialogs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*DialogClientSession), true
}

func (dc *DialogClient) dialogsLen() int {
	n := 0
	dc.dialogs.Range(func(_, _ any) bool { n++; return true })
	return n
}

// ErrDialogResponse wraps a non-2xx final response received for an INVITE,
// letting the caller inspect the status code instead of just failing.
type ErrDialogResponse struct {
	Res *sip.Response
}

func (e *ErrDialogResponse) Error() string {
	return fmt.Sprintf("INVITE answered with %d %s", e.Res.StatusCode, e.Res.Reason)
}

// Invite sends inviteRequest as a new client INVITE transaction and
// returns a session in Early state; call WaitAnswer to drive it forward.
func (dc *DialogClient) Invite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	inviteRequest.AppendHeader(dc.contactHDR.Clone())

	tx, err := dc.c.TransactionRequest(ctx, inviteRequest)
	if err != nil {
		return nil, fmt.Errorf("sending INVITE: %w", err)
	}

	s := &DialogClientSession{dc: dc, inviteTx: tx}
	s.Init("", inviteRequest)
	return s, nil
}

// AnswerOptions configures WaitAnswer's behavior on a challenge response.
type AnswerOptions struct {
	OnResponse func(res *sip.Response)
	Username   string
	Password   string
}

// WaitAnswer drives the session's INVITE transaction to completion: it
// retries once on 401/407 if credentials are given, cancels the INVITE if
// ctx is cancelled first, and on 2xx registers the dialog under its final
// ID and moves to Confirmed.
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	retried := false
	for {
		select {
		case res, ok := <-s.inviteTx.Responses():
			if !ok {
				return sip.ErrDialogGone
			}
			if opts.OnResponse != nil {
				opts.OnResponse(res)
			}

			switch {
			case res.IsProvisional():
				if toTag, ok := tagOf(res); ok && toTag != "" {
					s.InviteResponse = res
				}
				continue

			case res.IsSuccess():
				id, err := sip.DialogIDFromResponse(res)
				if err != nil {
					return fmt.Errorf("computing dialog id from 2xx: %w", err)
				}
				s.ID = id
				s.InviteResponse = res
				s.dc.dialogs.Store(id, s)
				s.setState(sip.DialogStateConfirmed)
				return nil

			case res.StatusCode == sip.StatusProxyAuthRequired, res.StatusCode == sip.StatusUnauthorized:
				if opts.Username == "" || retried {
					s.InviteResponse = res
					s.setState(sip.DialogStateClosed)
					return &ErrDialogResponse{Res: res}
				}
				tx, err := s.dc.c.TransactionDigestAuth(ctx, s.InviteRequest, res, DigestAuth{
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return fmt.Errorf("digest retry: %w", err)
				}
				s.inviteTx = tx
				retried = true
				continue

			default:
				s.InviteResponse = res
				s.setState(sip.DialogStateClosed)
				return &ErrDialogResponse{Res: res}
			}

		case <-ctx.Done():
			_ = s.inviteTx.Cancel()
			s.setState(sip.DialogStateClosed)
			return ctx.Err()

		case <-s.inviteTx.Done():
			s.setState(sip.DialogStateClosed)
			return s.inviteTx.Err()
		}
	}
}

// TransactionRequest sends an in-dialog request toward the peer, filling
// Route from the dialog's Record-Route set in forward order (we are the
// UAC, so RFC 3261 §12.1.1/§12.2.1.1 take the Record-Route entries
// top-to-bottom rather than reversed) and the next local CSeq.
func (dc *DialogClient) TransactionRequest(ctx context.Context, s *DialogClientSession, req *sip.Request) (sip.ClientTransaction, error) {
	if !req.IsAck() && !req.IsCancel() {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: s.CSEQ(), MethodName: req.Method})
	}

	var rrs []sip.Header
	if s.InviteResponse != nil {
		rrs = s.InviteResponse.GetHeaders("Record-Route")
	}
	for _, h := range rrs {
		rr := h.(*sip.RecordRouteHeader)
		req.AppendHeader(&sip.RouteHeader{Address: rr.Address})
	}

	switch {
	case len(rrs) > 0:
		req.Recipient = rrs[0].(*sip.RecordRouteHeader).Address
	case s.InviteResponse != nil:
		if contact, ok := s.InviteResponse.Contact(); ok {
			req.Recipient = contact.Address
		}
	}

	return dc.c.TransactionRequest(ctx, req)
}

// ReadRequest matches an inbound in-dialog request (any method other than
// ACK/CANCEL/BYE) against this client's dialogs and enforces CSeq
// monotonicity, without sending any response itself.
func (dc *DialogClient) ReadRequest(req *sip.Request) (*DialogClientSession, error) {
	id, err := sip.DialogIDFromRequestUAC(req)
	if err != nil {
		return nil, err
	}
	s, ok := dc.loadDialog(id)
	if !ok {
		return nil, sip.ErrDialogGone
	}

	cseq, _ := req.CSeq()
	if cseq == nil || !s.ValidateRemoteCSeq(cseq.SeqNo) {
		return s, sip.ErrBadCSeq
	}
	return s, nil
}

func tagOf(res *sip.Response) (string, bool) {
	to, ok := res.To()
	if !ok {
		return "", false
	}
	return to.Tag()
}

// DialogClientSession is a single in-progress or confirmed UAC dialog.
type DialogClientSession struct {
	Dialog
	dc       *DialogClient
	inviteTx sip.ClientTransaction
}

// CancelInvite sends CANCEL for this session's INVITE transaction; valid
// only before a final response has been received (RFC 3261 §9.1).
func (s *DialogClientSession) CancelInvite() error {
	return s.inviteTx.Cancel()
}

func (s *DialogClientSession) Close() {
	s.setState(sip.DialogStateClosed)
	s.dc.dialogs.Delete(s.ID)
	if s.inviteTx != nil {
		s.inviteTx.Terminate()
	}
}

// Ack sends the ACK completing the three-way handshake, per RFC 3261
// §13.2.2.4. Must be called after WaitAnswer returns nil.
func (s *DialogClientSession) Ack(ctx context.Context, body []byte) error {
	ack := sip.NewAckRequest(s.InviteRequest, s.InviteResponse, body)
	if err := s.dc.c.WriteRequest(ctx, ack); err != nil {
		return fmt.Errorf("sending ACK: %w", err)
	}
	return nil
}

// TransactionRequest sends req as a new in-dialog request toward this
// session's peer; see DialogClient.TransactionRequest for the Route/CSeq
// handling.
func (s *DialogClientSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return s.dc.TransactionRequest(ctx, s, req)
}

// Bye sends BYE as a new non-INVITE transaction and waits for its final
// response, per RFC 3261 §15.1.1. Only valid once Confirmed.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	if s.LoadState() != sip.DialogStateConfirmed {
		return fmt.Errorf("%w: dialog not confirmed", sip.ErrDialogGone)
	}

	bye := newByeRequestUAC(s)
	res, err := s.dc.c.Do(ctx, bye)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return &ErrDialogResponse{Res: res}
	}
	s.Close()
	return nil
}

// ReadBye matches an inbound BYE to one of this client's dialogs, checks
// CSeq monotonicity, responds 200, and closes the dialog.
func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := sip.DialogIDFromRequestUAC(req)
	if err != nil {
		return err
	}
	s, ok := dc.loadDialog(id)
	if !ok {
		return sip.ErrDialogGone
	}

	cseq, _ := req.CSeq()
	if cseq == nil || !s.ValidateRemoteCSeq(cseq.SeqNo) {
		res := sip.NewResponseFromRequest(req, int(sip.StatusServerInternalError), sip.ReasonPhrase(sip.StatusServerInternalError), nil)
		return tx.Respond(res)
	}

	res := sip.NewResponseFromRequest(req, int(sip.StatusOK), sip.ReasonPhrase(sip.StatusOK), nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	s.Close()
	return nil
}

func newByeRequestUAC(s *DialogClientSession) *sip.Request {
	recipient := s.InviteRequest.Recipient
	if s.InviteResponse != nil {
		if contact, ok := s.InviteResponse.Contact(); ok {
			recipient = contact.Address
		}
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SipVersion = s.InviteRequest.SipVersion

	sip.CopyHeaders("Route", s.InviteRequest, bye)
	sip.CopyHeaders("From", s.InviteRequest, bye)
	if s.InviteResponse != nil {
		sip.CopyHeaders("To", s.InviteResponse, bye)
	} else {
		sip.CopyHeaders("To", s.InviteRequest, bye)
	}
	sip.CopyHeaders("Call-ID", s.InviteRequest, bye)

	mf := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&mf)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: s.CSEQ(), MethodName: sip.BYE})

	return bye
}
