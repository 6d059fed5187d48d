package ship

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oatcode/shipproxy/ierr"
)

// Listener is the ship-side client listener and proxy parser (§4.6). It
// accepts concurrent local client connections, parses one proxy request per
// connection, enqueues a job, and blocks until the worker completes it.
type Listener struct {
	ln     net.Listener
	queue  *Queue
	nextID atomic.Uint64
	log    *logrus.Entry
}

// NewListener wraps an already-bound net.Listener.
func NewListener(ln net.Listener, queue *Queue, log *logrus.Entry) *Listener {
	return &Listener{ln: ln, queue: queue, log: log}
}

// Serve accepts connections until the listener is closed.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

// Addr returns the listener's bound address, useful when ListenPort "0"
// asked the OS to pick one.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		writeStatus(conn, http.StatusBadRequest, "Bad Request")
		return
	}

	job := NewJob(l.nextID.Add(1), kindOf(req))
	job.Client = conn
	job.Method = req.Method
	job.Header = req.Header

	if job.Kind == ConnectJob {
		job.Target = req.Host
		if job.Target == "" {
			job.Target = req.URL.Host
		}
	} else {
		target, err := absoluteTarget(req)
		if err != nil {
			writeStatus(conn, http.StatusBadRequest, "Bad Request")
			return
		}
		job.Target = target
		job.ContentLength = req.ContentLength
		job.Body = bodyReader(req)
	}

	log := l.log.WithField("job_id", job.ID).WithField("kind", job.Kind).WithField("target", job.Target)
	log.Info("request accepted")

	l.queue.Enqueue(job)
	go l.watchClientGone(job)

	job.Wait()

	if job.State() == Failed && job.Err != nil && ierr.Of(job.Err, ierr.LinkLost) {
		// Best-effort: the client may already be gone, or may still be
		// reading a partially delivered response. Nothing more to send.
		return
	}
}

// watchClientGone removes job from the queue if the client disconnects
// before it is dequeued (§5 cancellation policy). It polls with a short
// read deadline rather than blocking, so it reliably stops reading
// job.Client no later than job.Claimed() fires — once the worker has
// dequeued the job, it owns all further reads (most importantly the
// CONNECT tunnel's upload half).
func (l *Listener) watchClientGone(job *Job) {
	buf := make([]byte, 1)
	for {
		select {
		case <-job.Claimed():
			return
		default:
		}
		_ = job.Client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := job.Client.Read(buf)
		if n > 0 {
			// A queued job should not be sending bytes ahead of being
			// served; ignore and keep watching.
			continue
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if l.queue.Remove(job) {
				job.Err = ierr.New(ierr.ClientGone, err)
				job.SetState(Failed)
			}
			return
		}
	}
}

func kindOf(req *http.Request) Kind {
	if req.Method == http.MethodConnect {
		return ConnectJob
	}
	return HTTPJob
}

// absoluteTarget returns the absolute-URI request-target a proxy client is
// required to send, per RFC 7230 §5.3.2.
func absoluteTarget(req *http.Request) (string, error) {
	if req.URL.IsAbs() {
		return req.URL.String(), nil
	}
	return "", errNotAbsoluteForm
}

var errNotAbsoluteForm = ierr.New(ierr.MalformedProxyRequest, errors.New("request-target is not absolute-form"))

// bodyReader bounds the request body to its declared Content-Length, or
// leaves chunked decoding to req.Body (net/http already dechunks it).
func bodyReader(req *http.Request) io.Reader {
	if req.ContentLength == 0 && req.Body == nil {
		return nil
	}
	return req.Body
}

func writeStatus(w io.Writer, code int, text string) {
	resp := "HTTP/1.1 " + strconv.Itoa(code) + " " + text + "\r\nConnection: close\r\n\r\n"
	_, _ = w.Write([]byte(resp))
}
