package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/stretchr/testify/require"
)

func TestNewUDPTransportThreadsBufferSize(t *testing.T) {
	custom := NewUDPTransport(sip.NewParser(), 4096)
	require.Equal(t, 4096, custom.bufferSize)

	fallback := NewUDPTransport(sip.NewParser(), 0)
	require.Equal(t, transportBufferSize, fallback.bufferSize)
}

func TestUDPTransportOneDatagramOneMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewUDPTransport(sip.NewParser(), 0)
	defer tr.Close()

	received := make(chan sip.Message, 1)
	go func() {
		_ = tr.ListenAndServe(ctx, "127.0.0.1:17170", func(msg sip.Message) {
			received <- msg
		})
	}()
	time.Sleep(50 * time.Millisecond)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer peer.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 17170}
	datagram := "OPTIONS sip:bob@127.0.0.1:17170 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:17171;branch=z9hG4bK-test\r\n" +
		"From: <sip:alice@127.0.0.1>;tag=fromtag\r\n" +
		"To: <sip:bob@127.0.0.1:17170>\r\n" +
		"Call-ID: udp-test-1\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Length: 0\r\n\r\n"
	_, err = peer.WriteToUDP([]byte(datagram), dst)
	require.NoError(t, err)

	select {
	case msg := <-received:
		req, ok := msg.(*sip.Request)
		require.True(t, ok)
		require.Equal(t, sip.OPTIONS, req.Method)
		require.Equal(t, TransportUDP, msg.Transport())
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never reached the handler")
	}
}

// TestUDPTransportDropsBlankKeepalive confirms a CRLF-only datagram (the
// common NAT keepalive) never reaches the handler, and that the read loop
// keeps running afterward.
func TestUDPTransportDropsBlankKeepalive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewUDPTransport(sip.NewParser(), 0)
	defer tr.Close()

	received := make(chan sip.Message, 1)
	go func() {
		_ = tr.ListenAndServe(ctx, "127.0.0.1:17172", func(msg sip.Message) {
			received <- msg
		})
	}()
	time.Sleep(50 * time.Millisecond)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer peer.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 17172}
	_, err = peer.WriteToUDP([]byte("\r\n\r\n"), dst)
	require.NoError(t, err)

	select {
	case msg := <-received:
		t.Fatalf("keepalive datagram should have been dropped, got %v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	datagram := "OPTIONS sip:bob@127.0.0.1:17172 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:17171;branch=z9hG4bK-test2\r\n" +
		"From: <sip:alice@127.0.0.1>;tag=fromtag\r\n" +
		"To: <sip:bob@127.0.0.1:17172>\r\n" +
		"Call-ID: udp-test-2\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Length: 0\r\n\r\n"
	_, err = peer.WriteToUDP([]byte(datagram), dst)
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not survive the blank datagram")
	}
}
