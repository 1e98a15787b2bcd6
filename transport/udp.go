package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UDPTransport handles the connectionless case: one datagram is exactly
// one message, and there is a single shared "connection" per local
// listener rather than one per remote peer.
type UDPTransport struct {
	parser     *sip.Parser
	log        zerolog.Logger
	bufferSize int

	conn *net.UDPConn
}

func NewUDPTransport(parser *sip.Parser, bufferSize int) *UDPTransport {
	if bufferSize <= 0 {
		bufferSize = transportBufferSize
	}
	return &UDPTransport{
		parser:     parser,
		bufferSize: bufferSize,
		log:        log.Logger.With().Str("caller", "transport<UDP>").Logger(),
	}
}

func (t *UDPTransport) Network() string  { return TransportUDP }
func (t *UDPTransport) IsReliable() bool { return false }
func (t *UDPTransport) IsStreamed() bool { return false }

func (t *UDPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

func (t *UDPTransport) Close() error {
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// ListenAndServe binds a UDP socket and reads datagrams until the socket
// is closed; every complete datagram is parsed and handed to handler.
func (t *UDPTransport) ListenAndServe(ctx context.Context, addr string, handler sip.MessageHandler) error {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	t.conn = conn

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, t.bufferSize)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.log.Debug().Err(err).Msg("UDP read loop exiting")
			return err
		}
		data := buf[:n]
		if len(bytes.Trim(data, "\r\n")) == 0 {
			continue
		}
		t.parseAndHandle(data, raddr.String(), handler)
	}
}

func (t *UDPTransport) parseAndHandle(data []byte, src string, handler sip.MessageHandler) {
	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse datagram")
		return
	}
	msg.SetTransport(t.Network())
	msg.SetSource(src)
	handler(msg)
}

func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpConnection{conn: t.conn, raddr: raddr}, nil
}

func (t *UDPTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	return t.GetConnection(fmt.Sprintf("%s:%d", raddr.IP, raddr.Port))
}

// udpConnection adapts the single shared listening socket to the
// Connection interface for a specific remote peer. Refcounting is a no-op:
// the underlying socket is shared and outlives any individual peer.
type udpConnection struct {
	conn  *net.UDPConn
	raddr *net.UDPAddr
}

func (c *udpConnection) Ref(int)             {}
func (c *udpConnection) Close() error        { return nil }
func (c *udpConnection) TryClose() (int, error) { return 1, nil }

func (c *udpConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	if len(data) > UDPMTUSize {
		log.Warn().Int("size", len(data)).Msg("message exceeds UDP MTU threshold, consider TCP")
	}

	n, err := c.conn.WriteToUDP(data, c.raddr)
	if err != nil {
		return fmt.Errorf("udp write err=%w", err)
	}
	if n != len(data) {
		return fmt.Errorf("udp short write (%d of %d bytes)", n, len(data))
	}
	return nil
}
