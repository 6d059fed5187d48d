package offshoreproxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oatcode/shipproxy/frame"
	"github.com/oatcode/shipproxy/httpmsg"
	"github.com/oatcode/shipproxy/ierr"
)

// UpstreamDialTimeout bounds a single dial to an origin server or CONNECT
// target.
const UpstreamDialTimeout = 10 * time.Second

// UpstreamIdleTimeout is the per-request idle timeout on the upstream
// connection (§5). It is set when the connection opens, covering the request
// write and body relay, and renewed before every response read.
const UpstreamIdleTimeout = 30 * time.Second

const tunnelReadBuf = 16 * 1024

// Dispatcher performs the upstream HTTP request or CONNECT tunnel for one
// frame at a time, per the link connection handed to it by the PeerListener.
type Dispatcher struct {
	log     *logrus.Entry
	metrics *Metrics
}

// NewDispatcher returns a Dispatcher that reports to metrics.
func NewDispatcher(metrics *Metrics, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{log: log, metrics: metrics}
}

// ServeOne reads exactly one top-level frame from conn and dispatches it to
// completion. It returns a non-nil error only when the link itself should be
// torn down (LinkLost or a protocol violation).
func (d *Dispatcher) ServeOne(conn net.Conn, writeMu *sync.Mutex) error {
	f, err := frame.Read(conn)
	if err != nil {
		return err
	}
	log := d.log.WithField("job_id", f.JobID)

	switch f.Kind {
	case frame.HTTPReq:
		return d.serveHTTP(conn, writeMu, f, log)
	case frame.ConnectOpen:
		return d.serveConnect(conn, writeMu, f, log)
	default:
		log.WithField("kind", f.Kind).Warn("unexpected top-level frame kind")
		return ierr.New(ierr.ProtocolViolation, errUnexpectedKind(f.Kind))
	}
}

func errUnexpectedKind(k frame.Kind) error {
	return &unexpectedKindErr{k}
}

type unexpectedKindErr struct{ k frame.Kind }

func (e *unexpectedKindErr) Error() string {
	return "unexpected frame kind at top level: " + e.k.String()
}

// serveHTTP implements §4.5's HTTP_REQ handling. f.Payload carries only the
// request line and headers; the body, if any, arrives as HTTP_REQ_CHUNK
// frames terminated by HTTP_REQ_END, read inline here before the upstream
// response is read back — the dispatcher is not concurrent on a single link
// (§4.5), so this blocks the next top-level frame exactly as a single-frame
// HTTP_REQ would have. The returned error is non-nil only when the link
// itself must be torn down; a failed upstream request is reported to the
// ship with an ERROR frame and returns nil.
func (d *Dispatcher) serveHTTP(conn net.Conn, writeMu *sync.Mutex, f frame.Frame, log *logrus.Entry) error {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(f.Payload)))
	if err != nil {
		writeFrame(conn, writeMu, frame.Frame{Kind: frame.Error, JobID: f.JobID, Payload: []byte("malformed request: " + err.Error())})
		d.metrics.jobsFailed.Add(1)
		return drainRequestBody(conn, f.JobID)
	}

	target, hostport, err := httpmsg.OriginForm(req.RequestURI, req.Host, "80")
	if err != nil {
		writeFrame(conn, writeMu, frame.Frame{Kind: frame.Error, JobID: f.JobID, Payload: []byte("bad request-target: " + err.Error())})
		d.metrics.jobsFailed.Add(1)
		return drainRequestBody(conn, f.JobID)
	}

	upstream, err := net.DialTimeout("tcp", hostport, UpstreamDialTimeout)
	if err != nil {
		log.WithError(err).WithField("upstream", hostport).Warn("upstream dial failed")
		writeFrame(conn, writeMu, frame.Frame{Kind: frame.Error, JobID: f.JobID, Payload: []byte("dial failed: " + err.Error())})
		d.metrics.jobsFailed.Add(1)
		return drainRequestBody(conn, f.JobID)
	}
	defer upstream.Close()
	_ = upstream.SetDeadline(time.Now().Add(UpstreamIdleTimeout))

	// req.TransferEncoding is non-empty only when the ship re-announced a
	// chunked body (net/http strips the header itself on parse); the body
	// then arrives as HTTP_REQ_CHUNK frames of unknown total length, so it
	// must be re-chunk-encoded for the origin rather than forwarded raw.
	chunked := len(req.TransferEncoding) > 0

	httpmsg.StripHopByHop(req.Header)
	httpmsg.EnsureHost(req.Header, hostport)

	var reqBuf bytes.Buffer
	reqBuf.WriteString(req.Method + " " + target + " HTTP/1.1\r\n")
	// The response is relayed until the origin closes the connection, so the
	// origin is asked to close it after this one response.
	reqBuf.WriteString("Connection: close\r\n")
	if chunked {
		reqBuf.WriteString("Transfer-Encoding: chunked\r\n")
	}
	req.Header.Write(&reqBuf)
	reqBuf.WriteString("\r\n")

	if _, err := upstream.Write(reqBuf.Bytes()); err != nil {
		writeFrame(conn, writeMu, frame.Frame{Kind: frame.Error, JobID: f.JobID, Payload: []byte("upstream write failed: " + err.Error())})
		d.metrics.jobsFailed.Add(1)
		return drainRequestBody(conn, f.JobID)
	}

	var bodyDst io.Writer = upstream
	var chunkWriter io.WriteCloser
	if chunked {
		chunkWriter = httputil.NewChunkedWriter(upstream)
		bodyDst = chunkWriter
	}
	bodyErr := relayRequestBody(conn, bodyDst, f.JobID)
	if chunkWriter != nil {
		_ = chunkWriter.Close()
	}
	if bodyErr != nil {
		d.metrics.jobsFailed.Add(1)
		return bodyErr
	}

	buf := make([]byte, frame.MaxPayload)
	for {
		_ = upstream.SetReadDeadline(time.Now().Add(UpstreamIdleTimeout))
		n, err := upstream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := writeFrame(conn, writeMu, frame.Frame{Kind: frame.HTTPRespChunk, JobID: f.JobID, Payload: chunk}); werr != nil {
				d.metrics.jobsFailed.Add(1)
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				writeFrame(conn, writeMu, frame.Frame{Kind: frame.HTTPRespEnd, JobID: f.JobID})
				d.metrics.jobsCompleted.Add(1)
				return nil
			}
			log.WithError(err).Warn("upstream read failed mid-response")
			writeFrame(conn, writeMu, frame.Frame{Kind: frame.Error, JobID: f.JobID, Payload: []byte("upstream read failed: " + err.Error())})
			d.metrics.jobsFailed.Add(1)
			return nil
		}
	}
}

// relayRequestBody streams HTTP_REQ_CHUNK frames for jobID into dst until
// HTTP_REQ_END, forwarding exactly the bytes the ship's client sent. A write
// failure into dst does not stop the drain — the link must stay aligned to
// the next top-level frame regardless of what became of the upstream
// connection; its own read loop (back in serveHTTP) surfaces the broken
// socket as an ERROR frame. Only a frame-level failure (LinkLost or a
// mismatched job id) is returned.
func relayRequestBody(conn net.Conn, dst io.Writer, jobID uint64) error {
	for {
		f, err := frame.Read(conn)
		if err != nil {
			return err
		}
		if f.JobID != jobID {
			return ierr.New(ierr.ProtocolViolation, errUnexpectedKind(f.Kind))
		}
		switch f.Kind {
		case frame.HTTPReqChunk:
			if len(f.Payload) > 0 {
				_, _ = dst.Write(f.Payload)
			}
		case frame.HTTPReqEnd:
			return nil
		default:
			return ierr.New(ierr.ProtocolViolation, errUnexpectedKind(f.Kind))
		}
	}
}

// drainRequestBody discards a job's HTTP_REQ_CHUNK/HTTP_REQ_END frames after
// an error response has already been sent for it, keeping the link's frame
// sequence aligned for the next top-level read.
func drainRequestBody(conn net.Conn, jobID uint64) error {
	return relayRequestBody(conn, io.Discard, jobID)
}

// serveConnect implements §4.5's CONNECT_OPEN handling. It returns the
// link-side error (LinkLost or a protocol violation) that ended the tunnel,
// if any; a failed dial is reported to the ship with CONNECT_FAIL and
// returns nil.
func (d *Dispatcher) serveConnect(conn net.Conn, writeMu *sync.Mutex, f frame.Frame, log *logrus.Entry) error {
	hostport := string(f.Payload)
	upstream, err := net.DialTimeout("tcp", hostport, UpstreamDialTimeout)
	if err != nil {
		log.WithError(err).WithField("upstream", hostport).Warn("connect dial failed")
		writeFrame(conn, writeMu, frame.Frame{Kind: frame.ConnectFail, JobID: f.JobID, Payload: []byte(err.Error())})
		d.metrics.jobsFailed.Add(1)
		return nil
	}
	defer upstream.Close()

	if err := writeFrame(conn, writeMu, frame.Frame{Kind: frame.ConnectOK, JobID: f.JobID}); err != nil {
		return err
	}
	d.metrics.tunnelsOpen.Add(1)
	defer d.metrics.tunnelsOpen.Add(-1)

	upDone := make(chan error, 1)
	go func() {
		upDone <- pumpUpstreamToLink(upstream, conn, writeMu, f.JobID)
	}()

	linkErr := pumpLinkToUpstream(conn, upstream, f.JobID)
	<-upDone

	if linkErr != nil {
		d.metrics.jobsFailed.Add(1)
		return linkErr
	}
	d.metrics.jobsCompleted.Add(1)
	return nil
}

type halfCloser interface {
	CloseWrite() error
}

// pumpUpstreamToLink is the origin -> ship half: bounded reads from the
// upstream socket, each wrapped in a DATA frame. On upstream EOF it sends
// CLOSE(0) — "remote (origin) to local (client)" has ended.
func pumpUpstreamToLink(upstream net.Conn, conn net.Conn, writeMu *sync.Mutex, jobID uint64) error {
	buf := make([]byte, tunnelReadBuf)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := writeFrame(conn, writeMu, frame.Frame{Kind: frame.Data, JobID: jobID, Payload: payload}); werr != nil {
				return werr
			}
		}
		if err != nil {
			_ = writeFrame(conn, writeMu, frame.Frame{Kind: frame.Close, JobID: jobID, Payload: []byte{frame.CloseRemoteToLocal}})
			return nil
		}
	}
}

// pumpLinkToUpstream is the ship -> origin half: DATA frames read from the
// link are written to the upstream socket; CLOSE(1) half-closes the
// upstream's write side ("local (client) to remote (origin)" has ended) and
// ends the pump.
func pumpLinkToUpstream(conn net.Conn, upstream net.Conn, jobID uint64) error {
	for {
		f, err := frame.Read(conn)
		if err != nil {
			return err
		}
		if f.JobID != jobID {
			return ierr.New(ierr.ProtocolViolation, errUnexpectedKind(f.Kind))
		}
		switch f.Kind {
		case frame.Data:
			if _, err := upstream.Write(f.Payload); err != nil {
				return nil
			}
		case frame.Close:
			if len(f.Payload) == 1 && f.Payload[0] == frame.CloseLocalToRemote {
				if hc, ok := upstream.(halfCloser); ok {
					_ = hc.CloseWrite()
				}
			}
			return nil
		default:
			return ierr.New(ierr.ProtocolViolation, errUnexpectedKind(f.Kind))
		}
	}
}

func writeFrame(conn net.Conn, writeMu *sync.Mutex, f frame.Frame) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return frame.Write(conn, f)
}
