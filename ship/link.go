package ship

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/oatcode/shipproxy/frame"
	"github.com/oatcode/shipproxy/ierr"
)

// LinkState is the link manager's state machine position.
type LinkState int32

const (
	Connecting LinkState = iota
	Connected
	Closed
)

func (s LinkState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DialTimeout bounds a single dial attempt to the offshore process.
const DialTimeout = 10 * time.Second

// Link owns the single outbound TCP connection to the offshore process. It
// reconnects on failure with exponential backoff and serializes frame
// writes; reads are the exclusive business of the worker goroutine, so no
// read-side lock is needed (§5: "the link codec is accessed only by the
// worker (reads) and the worker or tunnel uplink half (writes)").
type Link struct {
	addr string
	log  *logrus.Entry

	mu         sync.Mutex
	state      LinkState
	conn       net.Conn
	generation uint64
	readyCh    chan struct{} // closed when state becomes Connected; replaced on every transition away from Connected
	lostCh     chan struct{} // closed by fail() for the live generation; connectLoop waits on it

	writeMu sync.Mutex

	backoff *backoff.Backoff

	// onEvent, if set, is notified of link state transitions for the
	// admin /events stream (§1c). It must not block.
	onEvent func(string)
}

// OnEvent registers fn to be called on every link state transition. Not
// safe to call once the link is in use.
func (l *Link) OnEvent(fn func(string)) {
	l.mu.Lock()
	l.onEvent = fn
	l.mu.Unlock()
}

func (l *Link) emit(event string) {
	l.mu.Lock()
	fn := l.onEvent
	l.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

// NewLink returns a link manager targeting host:port. Dialing starts
// immediately in the background; callers block in WaitReady until it
// succeeds.
func NewLink(host string, port string, log *logrus.Entry) *Link {
	l := &Link{
		addr:    net.JoinHostPort(host, port),
		log:     log,
		readyCh: make(chan struct{}),
		backoff: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
		},
	}
	go l.connectLoop()
	return l
}

// State returns the current state, for the admin metrics snapshot.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Generation returns the current connection generation, for the admin
// metrics snapshot and for worker-side staleness checks.
func (l *Link) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

func (l *Link) connectLoop() {
	for {
		l.mu.Lock()
		if l.state == Closed {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		conn, err := net.DialTimeout("tcp", l.addr, DialTimeout)
		if err != nil {
			d := l.backoff.Duration()
			l.log.WithError(err).WithField("retry_in", d).Warn("offshore dial failed")
			l.emit("link reconnecting")
			time.Sleep(d)
			continue
		}

		l.mu.Lock()
		if l.state == Closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.generation++
		gen := l.generation
		l.state = Connected
		lost := make(chan struct{})
		l.lostCh = lost
		close(l.readyCh)
		l.mu.Unlock()
		l.backoff.Reset()
		l.log.WithField("generation", gen).Info("link connected")
		l.emit("link connected")

		// Block here until this generation is declared lost, then loop
		// around to redial.
		<-lost
	}
}

// WaitReady blocks until the link is CONNECTED and returns the generation of
// that connection, or returns ctx.Err() if ctx is done first.
func (l *Link) WaitReady(ctx context.Context) (uint64, error) {
	for {
		l.mu.Lock()
		state, gen, ready := l.state, l.generation, l.readyCh
		l.mu.Unlock()
		if state == Connected {
			return gen, nil
		}
		select {
		case <-ready:
			// loop around and re-check state/generation
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WriteFrame writes f over the link, failing immediately if gen is no
// longer the current generation (the caller started its job on a link that
// has since been replaced — treated identically to a mid-job LinkLost).
func (l *Link) WriteFrame(gen uint64, f frame.Frame) error {
	conn, err := l.connFor(gen)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := frame.Write(conn, f); err != nil {
		l.fail(gen, err)
		return err
	}
	return nil
}

// ReadFrame reads one frame from the link for generation gen. Only the
// worker goroutine should call this.
func (l *Link) ReadFrame(gen uint64) (frame.Frame, error) {
	conn, err := l.connFor(gen)
	if err != nil {
		return frame.Frame{}, err
	}
	f, err := frame.Read(conn)
	if err != nil {
		l.fail(gen, err)
		return frame.Frame{}, err
	}
	return f, nil
}

func (l *Link) connFor(gen uint64) (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connected || l.generation != gen {
		return nil, ierr.New(ierr.LinkLost, fmt.Errorf("link generation %d is no longer current", gen))
	}
	return l.conn, nil
}

// Reset forces the current generation's connection closed, e.g. after a
// protocol violation detected by the worker (a frame with an unexpected job
// id). Equivalent to a LinkLost for the current job.
func (l *Link) Reset() {
	l.mu.Lock()
	gen := l.generation
	l.mu.Unlock()
	l.fail(gen, ierr.New(ierr.ProtocolViolation, fmt.Errorf("link reset")))
}

func (l *Link) fail(gen uint64, cause error) {
	l.mu.Lock()
	if l.state != Connected || l.generation != gen {
		// Already superseded or already failed; nothing to do.
		l.mu.Unlock()
		return
	}
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = nil
	l.state = Connecting
	l.readyCh = make(chan struct{})
	l.log.WithError(cause).WithField("generation", gen).Warn("link lost")
	close(l.lostCh)
	l.mu.Unlock()
	l.emit("link lost")
}

// Close shuts the link manager down permanently. Only used on process
// shutdown.
func (l *Link) Close() {
	l.mu.Lock()
	wasConnected := l.state == Connected
	lost := l.lostCh
	l.state = Closed
	if l.conn != nil {
		l.conn.Close()
	}
	if wasConnected {
		l.readyCh = make(chan struct{})
	}
	l.mu.Unlock()
	// Unblock the connect loop if it is parked waiting on the current
	// generation; it will see Closed and return instead of redialing.
	if wasConnected && lost != nil {
		select {
		case <-lost:
		default:
			close(lost)
		}
	}
}
