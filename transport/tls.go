package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TLSTransport reuses the TCP transport's stream-framing read loop over a
// *tls.Conn; only dialing/listening differ.
type TLSTransport struct {
	parser     *sip.Parser
	log        zerolog.Logger
	config     *tls.Config
	bufferSize int

	pool ConnectionPool

	mu        sync.Mutex
	listeners []net.Listener
}

func NewTLSTransport(parser *sip.Parser, config *tls.Config, bufferSize int) *TLSTransport {
	if bufferSize <= 0 {
		bufferSize = transportBufferSize
	}
	return &TLSTransport{
		parser:     parser,
		bufferSize: bufferSize,
		log:        log.Logger.With().Str("caller", "transport<TLS>").Logger(),
		config:     config,
		pool:       NewConnectionPool(),
	}
}

func (t *TLSTransport) Network() string  { return TransportTLS }
func (t *TLSTransport) IsReliable() bool { return true }
func (t *TLSTransport) IsStreamed() bool { return true }

func (t *TLSTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func (t *TLSTransport) Close() error {
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

func (t *TLSTransport) ListenAndServe(ctx context.Context, addr string, handler sip.MessageHandler) error {
	ln, err := tls.Listen("tcp", addr, t.config)
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
			t.log.Debug().Err(err).Msg("TLS accept loop exiting")
			return err
		}
		conn := t.wrapConn(c)
		go t.readLoop(conn, handler)
	}
}

func (t *TLSTransport) wrapConn(c net.Conn) *conn {
	wrapped := &conn{Conn: c, transport: t.Network()}
	t.pool.Add(c.RemoteAddr().String(), wrapped)
	return wrapped
}

func (t *TLSTransport) readLoop(c *conn, handler sip.MessageHandler) {
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
			t.log.Debug().Err(err).Str("src", src).Msg("TLS connection closed")
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

func (t *TLSTransport) GetConnection(addr string) (Connection, error) {
	if c := t.pool.Get(addr); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("no connection for %s", addr)
}

func (t *TLSTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	dst := fmt.Sprintf("%s:%d", raddr.IP, raddr.Port)
	dialer := tls.Dialer{Config: t.config}
	c, err := dialer.DialContext(ctx, "tcp", dst)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s err=%w", dst, err)
	}
	wrapped := t.wrapConn(c)
	go t.readLoop(wrapped, handler)
	return wrapped, nil
}
