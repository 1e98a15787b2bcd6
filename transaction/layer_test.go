package transaction

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transport"
	"github.com/stretchr/testify/require"
)

func buildIntegrationOptions(branch string, srcPort int) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: 15160}
	req := sip.NewRequest(sip.OPTIONS, recipient)

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Port: srcPort}
	via.Params = sip.NewParams()
	via.Params.Add("branch", branch)
	req.AppendHeader(via)

	from := &sip.FromHeader{}
	from.Address = sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"}
	from.Params = sip.NewParams()
	from.Params.Add("tag", "fromtag")
	req.AppendHeader(from)

	to := &sip.ToHeader{}
	to.Address = recipient
	to.Params = sip.NewParams()
	req.AppendHeader(to)

	callID := sip.CallIDHeader("integration-call-1")
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	return req
}

// TestIntegrationLayerServerTxDedupesRetransmission exercises the
// transaction layer over a real loopback UDP socket: two identical
// datagrams (same branch, same method) must surface as exactly one
// request to the handler and leave exactly one server transaction
// tracked, per RFC 3261 §17.2.3.
func TestIntegrationLayerServerTxDedupesRetransmission(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("set TEST_INTEGRATION to run this test")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tpl := transport.NewLayer(sip.NewParser())
	go func() {
		_ = tpl.ListenUDP(ctx, "127.0.0.1:15160")
	}()
	time.Sleep(50 * time.Millisecond)
	defer tpl.Close()

	txl := NewLayer(tpl, nil)

	var count int32
	done := make(chan struct{}, 1)
	txl.OnRequest(func(req *sip.Request, tx sip.ServerTransaction) {
		if atomic.AddInt32(&count, 1) == 1 {
			done <- struct{}{}
		}
	})

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15161})
	require.NoError(t, err)
	defer peer.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15160}
	req := buildIntegrationOptions(sip.GenerateBranch(), 15161)
	data := []byte(req.String())

	_, err = peer.WriteToUDP(data, dst)
	require.NoError(t, err)
	_, err = peer.WriteToUDP(data, dst)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	_, serverCount := txl.ActiveTransactionCount()
	require.Equal(t, 1, serverCount)
}

// TestIntegrationLayerDistinctBranchesGetDistinctTransactions is the
// converse: two OPTIONS requests with different branches are two separate
// transactions, both delivered to the handler.
func TestIntegrationLayerDistinctBranchesGetDistinctTransactions(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("set TEST_INTEGRATION to run this test")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tpl := transport.NewLayer(sip.NewParser())
	go func() {
		_ = tpl.ListenUDP(ctx, "127.0.0.1:15162")
	}()
	time.Sleep(50 * time.Millisecond)
	defer tpl.Close()

	txl := NewLayer(tpl, nil)

	var count int32
	txl.OnRequest(func(req *sip.Request, tx sip.ServerTransaction) {
		atomic.AddInt32(&count, 1)
	})

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15163})
	require.NoError(t, err)
	defer peer.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15162}

	req1 := buildIntegrationOptions(sip.GenerateBranch(), 15163)
	req1.Recipient.Port = 15162
	req2 := buildIntegrationOptions(sip.GenerateBranch(), 15163)
	req2.Recipient.Port = 15162

	_, err = peer.WriteToUDP([]byte(req1.String()), dst)
	require.NoError(t, err)
	_, err = peer.WriteToUDP([]byte(req2.String()), dst)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 2
	}, 2*time.Second, 20*time.Millisecond)

	_, serverCount := txl.ActiveTransactionCount()
	require.Equal(t, 2, serverCount)
}
