package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog/log"
)

// Connection is a reusable, reference-counted socket: one per remote
// endpoint for connection-oriented transports (TCP/TLS), a single shared
// instance for UDP.
type Connection interface {
	WriteMsg(msg sip.Message) error
	// Ref adjusts the reference count; i is typically +1 or -1.
	Ref(i int)
	// TryClose decrements the reference count and closes the underlying
	// socket once it reaches zero. Returns the remaining count.
	TryClose() (int, error)
	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// conn is the common refcounted wrapper around a net.Conn, embedded by the
// TCP and TLS connection types.
type conn struct {
	net.Conn

	transport string

	mu       sync.Mutex
	refcount int
}

func (c *conn) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().Str("transport", c.transport).Str("dst", c.RemoteAddr().String()).Int("ref", ref).Msg("reference increment")
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	log.Debug().Str("transport", c.transport).Str("dst", c.RemoteAddr().String()).Msg("doing hard close")
	return c.Conn.Close()
}

func (c *conn) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()

	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("transport", c.transport).Str("dst", c.RemoteAddr().String()).Int("ref", ref).Msg("ref went negative")
		return 0, nil
	}
	log.Debug().Str("transport", c.transport).Str("dst", c.RemoteAddr().String()).Msg("closing idle connection")
	return ref, c.Conn.Close()
}

func (c *conn) String() string {
	return c.transport + ":" + c.LocalAddr().String()
}

func (c *conn) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := c.Write(data)
	if err != nil {
		return fmt.Errorf("conn %s write err=%w", c, err)
	}
	if n != len(data) {
		return fmt.Errorf("conn %s: short write (%d of %d bytes)", c, n, len(data))
	}
	return nil
}
