package sipstack

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DialogServer is the UAS half of the dialog layer: it accepts an inbound
// INVITE not matching any existing dialog, lets the caller compose the
// response, and tracks the resulting dialog through Confirmed/Closed.
type DialogServer struct {
	c          *Client
	contactHDR sip.ContactHeader
	dialogs    sync.Map // id string -> *DialogServerSession
	log        zerolog.Logger
}

func NewDialogServer(c *Client, contact sip.ContactHeader) *DialogServer {
	return &DialogServer{
		c:          c,
		contactHDR: contact,
		log:        log.Logger.With().Str("caller", "DialogServer").Logger(),
	}
}

func (ds *DialogServer) loadDialog(id string) (*DialogServerSession, bool) {
	v, ok := ds.dialogs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*DialogServerSession), true
}

func (ds *DialogServer) dialogsLen() int {
	n := 0
	ds.dialogs.Range(func(_, _ any) bool { n++; return true })
	return n
}

// ReadInvite accepts an inbound INVITE that did not match an existing
// dialog: it requires a Contact header, assigns a local tag, and creates
// a new Early server dialog. The caller answers it via Respond/RespondSDP.
func (ds *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	if _, ok := req.Contact(); !ok {
		return nil, fmt.Errorf("INVITE missing required Contact header")
	}

	to, ok := req.To()
	if !ok {
		return nil, fmt.Errorf("INVITE missing To header")
	}
	to.Params.Add("tag", uuid.NewString())

	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return nil, fmt.Errorf("computing dialog id: %w", err)
	}

	cseq, _ := req.CSeq()
	var seqNo uint32
	if cseq != nil {
		seqNo = cseq.SeqNo
	}

	s := &DialogServerSession{ds: ds, inviteTx: tx}
	s.InitWithState(id, req, seqNo, sip.DialogStateEarly)
	s.remoteSeen.Store(true)
	s.remoteCSeqNo.Store(seqNo)

	ds.dialogs.Store(id, s)
	return s, nil
}

// ReadAck matches the ACK completing this dialog's handshake.
func (ds *DialogServer) ReadAck(req *sip.Request) error {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return err
	}
	s, ok := ds.loadDialog(id)
	if !ok {
		return sip.ErrDialogGone
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye matches an inbound BYE against this server's dialogs, enforces
// CSeq monotonicity (RFC 3261 §12.2.2), responds 200, and closes it.
func (ds *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return err
	}
	s, ok := ds.loadDialog(id)
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

// ReadRequest matches an inbound in-dialog request (any method other than
// ACK/CANCEL/BYE, which have their own entry points) against this server's
// dialogs and enforces CSeq monotonicity, without sending any response
// itself; the caller decides how to answer.
func (ds *DialogServer) ReadRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return nil, err
	}
	s, ok := ds.loadDialog(id)
	if !ok {
		return nil, sip.ErrDialogGone
	}

	cseq, _ := req.CSeq()
	if cseq == nil || !s.ValidateRemoteCSeq(cseq.SeqNo) {
		return s, sip.ErrBadCSeq
	}
	return s, nil
}

// DialogServerSession is a single in-progress or confirmed UAS dialog.
type DialogServerSession struct {
	Dialog
	ds       *DialogServer
	inviteTx sip.ServerTransaction
}

func (s *DialogServerSession) Close() {
	s.setState(sip.DialogStateClosed)
	s.ds.dialogs.Delete(s.ID)
	if s.inviteTx != nil {
		s.inviteTx.Terminate()
	}
}

// TransactionRequest sends an in-dialog request toward the peer, filling
// Route from the dialog's Record-Route set (reversed per RFC 3261
// §16.12.1.2 since we are now the one sending) and the next local CSeq.
func (ds *DialogServer) TransactionRequest(ctx context.Context, s *DialogServerSession, req *sip.Request) (sip.ClientTransaction, error) {
	if !req.IsAck() && !req.IsCancel() {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: s.CSEQ(), MethodName: req.Method})
	}

	rrs := s.InviteRequest.GetHeaders("Record-Route")
	for i := len(rrs) - 1; i >= 0; i-- {
		rr := rrs[i].(*sip.RecordRouteHeader)
		req.AppendHeader(&sip.RouteHeader{Address: rr.Address})
	}
	// Route set, reversed from Record-Route per RFC 3261 §12.1.1, so the
	// nearest hop is the LAST Record-Route entry.
	if len(rrs) > 0 {
		req.Recipient = rrs[len(rrs)-1].(*sip.RecordRouteHeader).Address
	}

	return ds.c.TransactionRequest(ctx, req)
}

// TransactionRequest sends req as a new in-dialog request toward this
// session's peer; see DialogServer.TransactionRequest for the Route/CSeq
// handling.
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return s.ds.TransactionRequest(ctx, s, req)
}

// Respond builds a response to this dialog's INVITE with the given status
// and optional extra headers, using RFC 3261 §8.2.6 copy rules.
func (s *DialogServerSession) Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error {
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)
	if _, ok := res.Contact(); !ok {
		res.AppendHeader(s.ds.contactHDR.Clone())
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return s.WriteResponse(res)
}

// WriteResponse sends res through this dialog's server transaction; a
// pending CANCEL observed on the transaction takes priority and is
// answered with a synthesized 487 instead.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	select {
	case <-s.inviteTx.Cancels():
		cancelRes := sip.NewResponseFromRequest(s.InviteRequest, int(sip.StatusRequestTerminated), sip.ReasonPhrase(sip.StatusRequestTerminated), nil)
		if err := s.inviteTx.Respond(cancelRes); err != nil {
			return err
		}
		s.setState(sip.DialogStateClosed)
		return sip.ErrDialogGone
	default:
	}

	if err := s.inviteTx.Respond(res); err != nil {
		return err
	}

	if !res.IsSuccess() {
		if res.IsFinal() {
			s.setState(sip.DialogStateClosed)
		}
		return nil
	}

	if id, err := sip.DialogIDFromRequestUAS(s.InviteRequest); err == nil && id == s.ID {
		s.InviteResponse = res
	}
	return nil
}

// Bye sends BYE toward the peer once this dialog is Confirmed; per RFC
// 3261 §15, a BYE sent before Confirmed must wait for the handshake to
// finish first.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	for s.LoadState() == sip.DialogStateEarly {
		select {
		case <-s.StateRead():
		case <-s.Context().Done():
			return sip.ErrDialogGone
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.LoadState() != sip.DialogStateConfirmed {
		return fmt.Errorf("%w: dialog not confirmed", sip.ErrDialogGone)
	}

	bye := newByeRequestUAS(s)
	tx, err := s.ds.TransactionRequest(ctx, s, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if !res.IsSuccess() {
			return &ErrDialogResponse{Res: res}
		}
		s.Close()
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newByeRequestUAS(s *DialogServerSession) *sip.Request {
	recipient := s.InviteRequest.Recipient
	if contact, ok := s.InviteRequest.Contact(); ok {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SipVersion = s.InviteRequest.SipVersion

	// The BYE we send reverses roles: our own tag (the INVITE response's
	// To) becomes From, the caller's tag (the INVITE's From) becomes To.
	if to, ok := s.InviteResponse.To(); ok {
		from := &sip.FromHeader{}
		from.DisplayName = to.DisplayName
		from.Address = to.Address
		from.Params = to.Params.Clone()
		bye.AppendHeader(from)
	}
	if reqFrom, ok := s.InviteRequest.From(); ok {
		toHdr := &sip.ToHeader{}
		toHdr.DisplayName = reqFrom.DisplayName
		toHdr.Address = reqFrom.Address
		toHdr.Params = reqFrom.Params.Clone()
		bye.AppendHeader(toHdr)
	}
	sip.CopyHeaders("Call-ID", s.InviteRequest, bye)

	mf := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&mf)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: s.CSEQ(), MethodName: sip.BYE})

	return bye
}
