package worker

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/dreamware/flock/internal/ipc"
)

// Listener is a net.Listener whose connections arrive as handoffs from the
// supervisor instead of from a socket.
type Listener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

// NewListener creates a listener reporting addr as its address.
func NewListener(addr net.Addr) *Listener {
	return &Listener{
		addr:  addr,
		conns: make(chan net.Conn, 64),
		done:  make(chan struct{}),
	}
}

// Push queues a handed-off connection for Accept. The bytes the router
// already consumed are replayed ahead of the socket. After Close the
// connection is closed and net.ErrClosed returned.
func (l *Listener) Push(h ipc.ConnectionHandoff) error {
	if h.Conn == nil {
		return errors.New("handoff without connection")
	}
	c := &handoffConn{
		Conn:   h.Conn,
		r:      io.MultiReader(bytes.NewReader(h.Initial), h.Conn),
		realIP: h.RealIP,
	}

	select {
	case <-l.done:
		_ = h.Conn.Close()
		return net.ErrClosed
	default:
	}

	select {
	case l.conns <- c:
		return nil
	case <-l.done:
		_ = h.Conn.Close()
		return net.ErrClosed
	}
}

// Accept waits for the next handed-off connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops Accept and closes connections that were never accepted.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		for {
			select {
			case c := <-l.conns:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return nil
}

// Addr returns the address given to NewListener.
func (l *Listener) Addr() net.Addr { return l.addr }

// handoffConn replays the router's initial read before the socket itself.
type handoffConn struct {
	net.Conn
	r      io.Reader
	realIP string
}

func (c *handoffConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// RealIP returns the client address resolved by the router.
func (c *handoffConn) RealIP() string { return c.realIP }
