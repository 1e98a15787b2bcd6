package sipstack

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestOptions(callID, fromTag string, method sip.RequestMethod) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"}
	req := sip.NewRequest(method, recipient)

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

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	return req
}

func TestIsChallenge(t *testing.T) {
	assert.True(t, isChallenge(sip.NewResponse(sip.StatusUnauthorized, "Unauthorized")))
	assert.True(t, isChallenge(sip.NewResponse(sip.StatusProxyAuthRequired, "Proxy Authentication Required")))
	assert.False(t, isChallenge(sip.NewResponse(sip.StatusOK, "OK")))
}

func TestCoreHandleRequestUnknownMethodRespondsNotImplemented(t *testing.T) {
	ua := NewUA()
	core := NewCore(ua, nil)

	req := buildTestOptions("call-core-1", "ftag", sip.INFO)
	tx := newFakeServerTx()

	core.handleRequest(req, tx)

	require.Len(t, tx.responded, 1)
	assert.Equal(t, sip.StatusNotImplemented, tx.responded[0].StatusCode)
}

func TestCoreHandleRequestUnmatchedByeRespondsCallDoesNotExist(t *testing.T) {
	ua := NewUA()
	core := NewCore(ua, nil)

	req := buildTestOptions("call-core-2", "ftag", sip.BYE)
	tx := newFakeServerTx()

	core.handleRequest(req, tx)

	require.Len(t, tx.responded, 1)
	assert.Equal(t, sip.StatusCallTransDoesNotExist, tx.responded[0].StatusCode)
}

func TestCoreOnRequestHookFiresBeforeDispatch(t *testing.T) {
	ua := NewUA()
	core := NewCore(ua, nil)

	var seen *sip.Request
	core.OnRequest(func(req *sip.Request, tx sip.ServerTransaction) {
		seen = req
	})

	req := buildTestOptions("call-core-3", "ftag", sip.INFO)
	core.handleRequest(req, newFakeServerTx())

	require.NotNil(t, seen)
	assert.Equal(t, sip.INFO, seen.Method)
}

// TestIntegrationCoreAnswersRequestAndCloseDrainsTransactions exercises the
// whole stack over real loopback UDP sockets: a peer sends an OPTIONS to
// the core's listener, the default handler answers 501, and the server
// transaction lingers (per RFC 3261 Timer J) until Core.Close terminates
// it, at which point the active transaction count must be zero.
func TestIntegrationCoreAnswersRequestAndCloseDrainsTransactions(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("set TEST_INTEGRATION to run this test")
	}

	ua := NewUA()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = ua.TransportLayer().ListenUDP(ctx, "127.0.0.1:15180")
	}()
	time.Sleep(50 * time.Millisecond)

	core := NewCore(ua, []ClientOption{WithClientAddr("127.0.0.1", 15180)})
	defer core.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15181})
	require.NoError(t, err)
	defer peer.Close()

	req := buildTestOptions("call-core-integration", "ftag", sip.OPTIONS)
	req.Recipient.Host = "127.0.0.1"
	req.Recipient.Port = 15180
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Port: 15181}
	via.Params = sip.NewParams()
	via.Params.Add("branch", sip.GenerateBranch())
	req.PrependHeader(via)

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15180}
	_, err = peer.WriteToUDP([]byte(req.String()), dst)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	p := sip.NewParser()
	msg, err := p.ParseSIP(buf[:n])
	require.NoError(t, err)
	res := msg.(*sip.Response)
	assert.Equal(t, sip.StatusNotImplemented, res.StatusCode)

	client, server := core.ActiveTransactionCount()
	assert.Equal(t, 0, client)
	assert.Equal(t, 1, server)

	core.Close()

	client, server = core.ActiveTransactionCount()
	assert.Equal(t, 0, client)
	assert.Equal(t, 0, server)
}
