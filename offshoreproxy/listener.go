// Package offshoreproxy implements the offshore half of the proxy: the
// peer listener that serves the single ship<->offshore link, and the
// per-request dispatcher that performs the actual upstream HTTP egress and
// CONNECT tunnels (§4.5).
package offshoreproxy

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rejectGrace is how long a second, unwanted link connection is held open
// before being closed, per the "reject the newcomer" choice in §9.
const rejectGrace = 200 * time.Millisecond

// PeerListener accepts incoming link connections. Only one is served at a
// time; if a second arrives while one is live, it is closed after a short
// grace period instead of being served.
type PeerListener struct {
	ln  net.Listener
	log *logrus.Entry

	mu      sync.Mutex
	active  bool
	metrics *Metrics

	dispatch *Dispatcher
}

// NewPeerListener wraps an already-bound net.Listener.
func NewPeerListener(ln net.Listener, dispatch *Dispatcher, metrics *Metrics, log *logrus.Entry) *PeerListener {
	return &PeerListener{ln: ln, dispatch: dispatch, metrics: metrics, log: log}
}

// Serve accepts link connections until the listener is closed.
func (p *PeerListener) Serve() error {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return err
		}

		p.mu.Lock()
		if p.active {
			p.mu.Unlock()
			p.log.WithField("remote", conn.RemoteAddr()).Warn("rejecting second link connection")
			go p.reject(conn)
			continue
		}
		p.active = true
		p.mu.Unlock()

		p.log.WithField("remote", conn.RemoteAddr()).Info("link connected")
		go func(conn net.Conn) {
			p.serveConn(conn)
			p.log.WithField("remote", conn.RemoteAddr()).Info("link disconnected")

			p.mu.Lock()
			p.active = false
			p.mu.Unlock()
		}(conn)
	}
}

func (p *PeerListener) reject(conn net.Conn) {
	time.Sleep(rejectGrace)
	conn.Close()
}

// Close stops accepting new link connections.
func (p *PeerListener) Close() error {
	return p.ln.Close()
}

// Addr returns the listener's bound address, useful when ListenPort "0"
// asked the OS to pick one.
func (p *PeerListener) Addr() net.Addr {
	return p.ln.Addr()
}

// Active reports whether a link connection is currently being served, for
// the admin metrics snapshot.
func (p *PeerListener) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// serveConn reads frames from conn sequentially, dispatching each HTTP_REQ
// or CONNECT_OPEN to completion before reading the next (§4.5: "the
// dispatcher is not concurrent on a single link").
func (p *PeerListener) serveConn(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	for {
		if err := p.dispatch.ServeOne(conn, &writeMu); err != nil {
			return
		}
	}
}
