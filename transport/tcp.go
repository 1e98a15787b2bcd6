package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TCPTransport accepts inbound connections and dials outbound ones,
// keeping one refcounted connection (and one ParserStream) per peer.
type TCPTransport struct {
	parser     *sip.Parser
	log        zerolog.Logger
	bufferSize int

	pool ConnectionPool

	mu        sync.Mutex
	listeners []net.Listener
}

func NewTCPTransport(parser *sip.Parser, bufferSize int) *TCPTransport {
	if bufferSize <= 0 {
		bufferSize = transportBufferSize
	}
	return &TCPTransport{
		parser:     parser,
		bufferSize: bufferSize,
		log:        log.Logger.With().Str("caller", "transport<TCP>").Logger(),
		pool:       NewConnectionPool(),
	}
}

func (t *TCPTransport) Network() string  { return TransportTCP }
func (t *TCPTransport) IsReliable() bool { return true }
func (t *TCPTransport) IsStreamed() bool { return true }

func (t *TCPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.pool.Clear()
	return firstErr
}

// ListenAndServe binds a listening socket and accepts connections until
// ctx is cancelled, handing each accepted connection's stream to readLoop.
func (t *TCPTransport) ListenAndServe(ctx context.Context, addr string, handler sip.MessageHandler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("TCP accept loop exiting")
			return err
		}
		conn := t.wrapConn(c)
		go t.readLoop(conn, handler)
	}
}

func (t *TCPTransport) wrapConn(c net.Conn) *conn {
	wrapped := &conn{Conn: c, transport: t.Network()}
	t.pool.Add(c.RemoteAddr().String(), wrapped)
	return wrapped
}

// readLoop owns one ParserStream per connection and drains every
// complete message coalesced into a single read before blocking again.
func (t *TCPTransport) readLoop(c *conn, handler sip.MessageHandler) {
	stream := t.parser.NewSIPStream()
	buf := make([]byte, t.bufferSize)
	src := c.RemoteAddr().String()

	defer func() {
		t.pool.Del(src)
		c.Close()
	}()

	for {
		n, err := c.Read(buf)
		if err != nil {
			t.log.Debug().Err(err).Str("src", src).Msg("TCP connection closed")
			return
		}
		data := buf[:n]
		for {
			msg, err := stream.ParseSIPStream(data)
			data = nil
			if err != nil {
				if errors.Is(err, sip.ErrParseSipPartial) {
					break
				}
				t.log.Error().Err(err).Str("src", src).Msg("stream parse error, resetting")
				stream.Reset()
				break
			}
			msg.SetTransport(t.Network())
			msg.SetSource(src)
			handler(msg)
		}
	}
}

func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	if c := t.pool.Get(addr); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("no connection for %s", addr)
}

func (t *TCPTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	dst := fmt.Sprintf("%s:%d", raddr.IP, raddr.Port)
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", dst)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s err=%w", dst, err)
	}
	wrapped := t.wrapConn(c)
	go t.readLoop(wrapped, handler)
	return wrapped, nil
}
