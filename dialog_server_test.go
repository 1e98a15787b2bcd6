package sipstack

import (
	"testing"

	"github.com/relaysip/sipstack/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServerTx struct {
	responded []*sip.Response
	doneCh    chan struct{}
	acks      chan *sip.Request
	cancels   chan *sip.Request
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{
		doneCh:  make(chan struct{}),
		acks:    make(chan *sip.Request, 1),
		cancels: make(chan *sip.Request, 1),
	}
}

func (f *fakeServerTx) Terminate()                   {}
func (f *fakeServerTx) OnTerminate(sip.FnTxTerminate) {}
func (f *fakeServerTx) Done() <-chan struct{}        { return f.doneCh }
func (f *fakeServerTx) Err() error                   { return nil }
func (f *fakeServerTx) Respond(res *sip.Response) error {
	f.responded = append(f.responded, res)
	return nil
}
func (f *fakeServerTx) Acks() <-chan *sip.Request    { return f.acks }
func (f *fakeServerTx) Cancels() <-chan *sip.Request { return f.cancels }

func buildTestInvite(callID, fromTag string, cseq uint32) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"}
	req := sip.NewRequest(sip.INVITE, recipient)

	from := &sip.FromHeader{}
	from.Address = sip.Uri{Scheme: "sip", User: "alice", Host: "atlanta.com"}
	from.Params = sip.NewParams()
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{}
	to.Address = recipient
	to.Params = sip.NewParams()
	req.AppendHeader(to)

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})

	contact := &sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "pc33.atlanta.com"}}
	req.AppendHeader(contact)

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	return req
}

func buildTestBye(callID, fromTag, toTag string, cseq uint32) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "alice", Host: "pc33.atlanta.com"}
	req := sip.NewRequest(sip.BYE, recipient)

	from := &sip.FromHeader{}
	from.Address = sip.Uri{Scheme: "sip", User: "alice", Host: "atlanta.com"}
	from.Params = sip.NewParams()
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{}
	to.Address = sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"}
	to.Params = sip.NewParams()
	to.Params.Add("tag", toTag)
	req.AppendHeader(to)

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.BYE})

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	return req
}

func TestDialogServerReadInviteAssignsTagAndRegisters(t *testing.T) {
	ds := NewDialogServer(nil, sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "b2b", Host: "example.com"}})
	invite := buildTestInvite("call-1", "fromtag1", 1)
	tx := newFakeServerTx()

	s, err := ds.ReadInvite(invite, tx)
	require.NoError(t, err)
	assert.Equal(t, sip.DialogStateEarly, s.LoadState())

	to, ok := invite.To()
	require.True(t, ok)
	tag, ok := to.Tag()
	require.True(t, ok)
	assert.NotEmpty(t, tag)

	loaded, ok := ds.loadDialog(s.ID)
	require.True(t, ok)
	assert.Same(t, s, loaded)
}

func TestDialogServerReadInviteRequiresContact(t *testing.T) {
	ds := NewDialogServer(nil, sip.ContactHeader{})

	recipient := sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"}
	req := sip.NewRequest(sip.INVITE, recipient)
	to := &sip.ToHeader{}
	to.Address = recipient
	to.Params = sip.NewParams()
	req.AppendHeader(to)

	_, err := ds.ReadInvite(req, newFakeServerTx())
	assert.Error(t, err)
}

func TestDialogValidateRemoteCSeqMonotonic(t *testing.T) {
	var d Dialog
	assert.True(t, d.ValidateRemoteCSeq(5))
	assert.True(t, d.ValidateRemoteCSeq(6))
	assert.False(t, d.ValidateRemoteCSeq(6))
	assert.False(t, d.ValidateRemoteCSeq(3))
	assert.True(t, d.ValidateRemoteCSeq(10))
}

func TestDialogServerReadByeRejectsNonIncreasingCSeqThenAcceptsValid(t *testing.T) {
	ds := NewDialogServer(nil, sip.ContactHeader{})
	invite := buildTestInvite("call-3", "fromtag3", 1)
	inviteTx := newFakeServerTx()

	s, err := ds.ReadInvite(invite, inviteTx)
	require.NoError(t, err)

	to, ok := invite.To()
	require.True(t, ok)
	toTag, ok := to.Tag()
	require.True(t, ok)

	stale := buildTestBye("call-3", "fromtag3", toTag, 1)
	staleTx := newFakeServerTx()
	err = ds.ReadBye(stale, staleTx)
	require.NoError(t, err)
	require.Len(t, staleTx.responded, 1)
	assert.Equal(t, sip.StatusServerInternalError, staleTx.responded[0].StatusCode)
	assert.Equal(t, sip.DialogStateEarly, s.LoadState())

	_, stillThere := ds.loadDialog(s.ID)
	assert.True(t, stillThere)

	valid := buildTestBye("call-3", "fromtag3", toTag, 2)
	validTx := newFakeServerTx()
	err = ds.ReadBye(valid, validTx)
	require.NoError(t, err)
	require.Len(t, validTx.responded, 1)
	assert.Equal(t, sip.StatusOK, validTx.responded[0].StatusCode)
	assert.Equal(t, sip.DialogStateClosed, s.LoadState())

	_, ok = ds.loadDialog(s.ID)
	assert.False(t, ok)
}

func TestDialogServerReadByeUnknownDialog(t *testing.T) {
	ds := NewDialogServer(nil, sip.ContactHeader{})
	bye := buildTestBye("no-such-call", "ftag", "ttag", 1)
	err := ds.ReadBye(bye, newFakeServerTx())
	assert.ErrorIs(t, err, sip.ErrDialogGone)
}

func TestDialogServerReadAckConfirms(t *testing.T) {
	ds := NewDialogServer(nil, sip.ContactHeader{})
	invite := buildTestInvite("call-4", "fromtag4", 1)
	s, err := ds.ReadInvite(invite, newFakeServerTx())
	require.NoError(t, err)

	to, ok := invite.To()
	require.True(t, ok)
	toTag, _ := to.Tag()

	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	from := &sip.FromHeader{}
	from.Address = sip.Uri{Scheme: "sip", User: "alice", Host: "atlanta.com"}
	from.Params = sip.NewParams()
	from.Params.Add("tag", "fromtag4")
	ack.AppendHeader(from)

	ackTo := &sip.ToHeader{}
	ackTo.Address = sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"}
	ackTo.Params = sip.NewParams()
	ackTo.Params.Add("tag", toTag)
	ack.AppendHeader(ackTo)

	callIDHdr := sip.CallIDHeader("call-4")
	ack.AppendHeader(&callIDHdr)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.ACK})

	require.NoError(t, ds.ReadAck(ack))
	assert.Equal(t, sip.DialogStateConfirmed, s.LoadState())
}
