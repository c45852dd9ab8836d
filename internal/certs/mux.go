package certs

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// sniffTimeout bounds how long a client may stay silent before its first byte.
const sniffTimeout = 10 * time.Second

// tlsHandshake is the first byte of every TLS record carrying a ClientHello.
const tlsHandshake = 0x16

// Listener serves plain and TLS connections on one port. Each accepted
// connection is classified by its first byte in its own goroutine, so a
// silent client never stalls Accept.
type Listener struct {
	net.Listener
	tlsConfig *tls.Config

	conns chan net.Conn
	errs  chan error
	done  chan struct{}
	once  sync.Once
}

// NewListener starts classifying connections accepted from ln.
func NewListener(ln net.Listener, tlsConfig *tls.Config) *Listener {
	l := &Listener{
		Listener:  ln,
		tlsConfig: tlsConfig,
		conns:     make(chan net.Conn),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			l.errs <- err
			return
		}
		go l.classify(conn)
	}
}

func (l *Listener) classify(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	r := bufio.NewReader(conn)
	first, err := r.Peek(1)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return
	}

	var c net.Conn = &bufferedConn{Conn: conn, r: r}
	if first[0] == tlsHandshake {
		c = tls.Server(c, l.tlsConfig)
	}

	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

// Accept returns the next classified connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting. Connections still being classified are closed.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.Listener.Close()
}

// bufferedConn replays bytes consumed while peeking.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
