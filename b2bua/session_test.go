package b2bua

import (
	"errors"
	"testing"

	sipstack "github.com/relaysip/sipstack"
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

func buildB2BInvite(callID, fromTag string) *sip.Request {
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

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contact := &sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "pc33.atlanta.com"}}
	req.AppendHeader(contact)

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	return req
}

func TestSynthesizeOutboundInviteCopiesBodyAndContentType(t *testing.T) {
	inbound := buildB2BInvite("call-1", "ftag1")
	ct := sip.ContentTypeHeader("application/sdp")
	inbound.AppendHeader(&ct)
	inbound.SetBody([]byte("v=0"))

	target := sip.Uri{Scheme: "sip", User: "carol", Host: "chicago.com"}
	localContact := sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "b2b", Host: "example.com"}}

	out := synthesizeOutboundInvite(inbound, target, localContact)

	assert.Equal(t, sip.INVITE, out.Method)
	assert.Equal(t, "carol", out.Recipient.User)
	assert.Equal(t, []byte("v=0"), out.Body())

	outCT, ok := out.ContentType()
	require.True(t, ok)
	assert.Equal(t, "application/sdp", string(*outCT))

	from, ok := out.From()
	require.True(t, ok)
	assert.Equal(t, localContact.Address.User, from.Address.User)
	tag, ok := from.Tag()
	require.True(t, ok)
	assert.NotEmpty(t, tag)

	to, ok := out.To()
	require.True(t, ok)
	assert.Equal(t, "carol", to.Address.User)
}

func TestHandleServerInviteResolveFailureRespondsNotFound(t *testing.T) {
	ds := sipstack.NewDialogServer(nil, sip.ContactHeader{})
	invite := buildB2BInvite("call-2", "ftag2")
	tx := newFakeServerTx()

	serverLeg, err := ds.ReadInvite(invite, tx)
	require.NoError(t, err)

	b := &B2BUA{
		resolve: func(inbound *sip.Request) (sip.Uri, error) {
			return sip.Uri{}, errors.New("no route known for this destination")
		},
		byServerID: make(map[string]*Session),
		byClientID: make(map[string]*Session),
	}

	b.handleServerInvite(serverLeg)

	require.Len(t, tx.responded, 1)
	assert.Equal(t, sip.StatusNotFound, tx.responded[0].StatusCode)

	_, tracked := b.byServerID[serverLeg.ID]
	assert.False(t, tracked, "a resolver failure must not register a session to bridge")
}

func TestHandleServerInviteResolveSuccessRegistersSessionBeforeDialing(t *testing.T) {
	ds := sipstack.NewDialogServer(nil, sip.ContactHeader{})
	invite := buildB2BInvite("call-3", "ftag3")
	tx := newFakeServerTx()

	serverLeg, err := ds.ReadInvite(invite, tx)
	require.NoError(t, err)

	target := sip.Uri{Scheme: "sip", User: "carol", Host: "chicago.com"}
	resolved := make(chan struct{}, 1)

	// core has no transport registered, so the originate goroutine's dial
	// attempt fails fast (no transport configured) instead of blocking;
	// this test only needs the synchronous registration that happens
	// before that goroutine is spawned.
	core := sipstack.NewCore(sipstack.NewUA(), nil)

	b := &B2BUA{
		core: core,
		resolve: func(inbound *sip.Request) (sip.Uri, error) {
			resolved <- struct{}{}
			return target, nil
		},
		byServerID: make(map[string]*Session),
		byClientID: make(map[string]*Session),
	}

	// handleServerInvite spawns originate in a goroutine, but registers the
	// session in byServerID synchronously before returning.
	b.handleServerInvite(serverLeg)

	<-resolved
	b.mu.Lock()
	sess, tracked := b.byServerID[serverLeg.ID]
	b.mu.Unlock()
	require.True(t, tracked)
	assert.Same(t, serverLeg, sess.ServerLeg)
}
