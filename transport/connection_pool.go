package transport

import "sync"

// ConnectionPool is a simple keyed registry of live connections, keyed by
// remote address string.
type ConnectionPool struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{conns: make(map[string]Connection)}
}

func (p *ConnectionPool) Add(addr string, c Connection) {
	p.mu.Lock()
	p.conns[addr] = c
	p.mu.Unlock()
}

func (p *ConnectionPool) Get(addr string) Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[addr]
}

func (p *ConnectionPool) Del(addr string) {
	p.mu.Lock()
	delete(p.conns, addr)
	p.mu.Unlock()
}

func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) {
	p.Del(addr)
	c.Close()
}

func (p *ConnectionPool) Clear() {
	p.mu.Lock()
	for addr, c := range p.conns {
		c.Close()
		delete(p.conns, addr)
	}
	p.mu.Unlock()
}
