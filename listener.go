package caronte

import (
	"net"
	"sync"
)

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "caronte-intercept" }

// tunnelConn is the listener side of an in-process connection. It carries
// the id of the tunnel it belongs to.
type tunnelConn struct {
	net.Conn
	id     uint64
	remote net.Addr
}

// RemoteAddr reports the address of the client that opened the tunnel.
func (c *tunnelConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}

	return c.Conn.RemoteAddr()
}

// pipeListener is a net.Listener fed by in-process connections. It has no
// network address, so it can only be reached through dial.
type pipeListener struct {
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

// Accept implements net.Listener.
func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener.
func (l *pipeListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})

	return nil
}

// Addr implements net.Listener.
func (l *pipeListener) Addr() net.Addr {
	return pipeAddr{}
}

// deliver hands c to Accept. It reports false when the listener is closed.
func (l *pipeListener) deliver(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}
