package ship

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oatcode/shipproxy/frame"
	"github.com/oatcode/shipproxy/httpmsg"
	"github.com/oatcode/shipproxy/ierr"
)

// Worker is the single thread of control that drains the queue and drives
// the link, one job at a time, strictly in enqueue order (§4.2).
type Worker struct {
	queue *Queue
	link  *Link
	log   *logrus.Entry

	completed Counter
	failed    Counter

	// onEvent, if set, is notified when a job becomes ACTIVE, for the
	// admin /events stream (§1c). It must not block.
	onEvent func(string)
}

// NewWorker returns a worker bound to queue and link.
func NewWorker(queue *Queue, link *Link, log *logrus.Entry) *Worker {
	return &Worker{queue: queue, link: link, log: log}
}

// OnEvent registers fn to be called whenever a job transitions to ACTIVE.
// Not safe to call once the worker is in use.
func (w *Worker) OnEvent(fn func(string)) {
	w.onEvent = fn
}

// Run drains the queue until it is closed. Call in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, ok := w.queue.Dequeue()
		if !ok {
			return
		}
		w.serve(ctx, job)
	}
}

func (w *Worker) serve(ctx context.Context, job *Job) {
	log := w.log.WithField("job_id", job.ID)

	// Stop the listener's disconnect watcher from reading job.Client
	// concurrently with us (tunnelUpload, in particular) from this point
	// on, and clear any polling deadline it left behind.
	job.MarkClaimed()
	_ = job.Client.SetReadDeadline(time.Time{})

	gen, err := w.link.WaitReady(ctx)
	if err != nil {
		job.Err = err
		job.SetState(Failed)
		w.failed.Add(1)
		return
	}
	job.SetState(Active)
	if w.onEvent != nil {
		w.onEvent("job active")
	}

	switch job.Kind {
	case HTTPJob:
		err = w.serveHTTP(job, gen, log)
	case ConnectJob:
		err = w.serveConnect(job, gen, log)
	}

	if err != nil {
		job.Err = err
		job.SetState(Failed)
		w.failed.Add(1)
		if ierr.Of(err, ierr.LinkLost) {
			log.WithError(err).Warn("job failed: link lost mid-job")
		}
		return
	}
	job.SetState(Done)
	w.completed.Add(1)
}

// serveHTTP implements §4.2 step 3. The request's headers are framed apart
// from its body so a body of arbitrary size is never funneled through a
// single MaxPayload-bounded frame (§1/§2): the body streams as zero or more
// HTTP_REQ_CHUNK frames terminated by HTTP_REQ_END, mirroring how the
// response streams back as HTTP_RESP_CHUNK/HTTP_RESP_END.
func (w *Worker) serveHTTP(job *Job, gen uint64, log *logrus.Entry) error {
	header, err := serializeRequestHeader(job)
	if err != nil {
		return ierr.New(ierr.MalformedProxyRequest, err)
	}
	if err := w.link.WriteFrame(gen, frame.Frame{Kind: frame.HTTPReq, JobID: job.ID, Payload: header}); err != nil {
		return err
	}
	if err := w.sendRequestBody(job, gen); err != nil {
		return err
	}

	for {
		f, err := w.link.ReadFrame(gen)
		if err != nil {
			return err
		}
		if f.JobID != job.ID {
			w.link.Reset()
			return frameMismatchErr(job.ID, f.JobID)
		}
		switch f.Kind {
		case frame.HTTPRespChunk:
			if _, werr := job.Client.Write(f.Payload); werr != nil {
				// Client gone; keep draining frames to stay aligned with
				// the protocol (§5 cancellation policy), discarding bytes.
				continue
			}
		case frame.HTTPRespEnd:
			return nil
		case frame.Error:
			writeBadGateway(job.Client, string(f.Payload))
			return nil
		default:
			w.link.Reset()
			return frameMismatchErr(job.ID, f.JobID)
		}
	}
}

// serveConnect implements §4.2 step 4.
func (w *Worker) serveConnect(job *Job, gen uint64, log *logrus.Entry) error {
	if err := w.link.WriteFrame(gen, frame.Frame{
		Kind:    frame.ConnectOpen,
		JobID:   job.ID,
		Payload: []byte(job.Target),
	}); err != nil {
		return err
	}

	f, err := w.link.ReadFrame(gen)
	if err != nil {
		return err
	}
	if f.JobID != job.ID {
		w.link.Reset()
		return frameMismatchErr(job.ID, f.JobID)
	}

	switch f.Kind {
	case frame.ConnectOK:
		if _, err := job.Client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
			return nil
		}
		return runTunnel(job, w.link, gen, log)
	case frame.ConnectFail:
		reason := string(f.Payload)
		resp := fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\n\r\n%s", reason)
		job.Client.Write([]byte(resp))
		return nil
	default:
		w.link.Reset()
		return frameMismatchErr(job.ID, f.JobID)
	}
}

func frameMismatchErr(want, got uint64) error {
	return ierr.New(ierr.ProtocolViolation, fmt.Errorf("frame job id %d does not match in-flight job %d", got, want))
}

func writeBadGateway(w io.Writer, reason string) {
	body := reason
	resp := fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	_, _ = w.Write([]byte(resp))
}

// serializeRequestHeader reshapes job into the request line and header
// block carried by the HTTP_REQ frame: hop-by-hop headers stripped, Via
// appended, and either Content-Length or Transfer-Encoding re-declared so
// the offshore side knows how to frame the body that follows it (§6).
func serializeRequestHeader(job *Job) ([]byte, error) {
	httpmsg.StripHopByHop(job.Header)
	httpmsg.AddVia(job.Header)

	switch {
	case job.ContentLength >= 0:
		job.Header.Set("Content-Length", strconv.FormatInt(job.ContentLength, 10))
	case job.Body != nil:
		// The client's body came in chunked, with no declared length;
		// re-announce it rather than drop the framing StripHopByHop just
		// removed, so the offshore dispatcher re-chunks it for the origin.
		job.Header.Set("Transfer-Encoding", "chunked")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", job.Method, job.Target)
	if err := job.Header.WriteSubset(&buf, nil); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// sendRequestBody streams job.Body, if any, as HTTP_REQ_CHUNK frames bounded
// by frame.MaxPayload, then always sends a terminating HTTP_REQ_END — even
// for a bodyless request, so the offshore dispatcher always has a definite
// frame to wait for before it starts reading the upstream response.
func (w *Worker) sendRequestBody(job *Job, gen uint64) error {
	if job.Body != nil {
		buf := make([]byte, frame.MaxPayload)
		for {
			n, rerr := job.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if werr := w.link.WriteFrame(gen, frame.Frame{Kind: frame.HTTPReqChunk, JobID: job.ID, Payload: chunk}); werr != nil {
					return werr
				}
			}
			if rerr != nil {
				if rerr == io.EOF {
					break
				}
				return ierr.New(ierr.MalformedProxyRequest, rerr)
			}
		}
	}
	return w.link.WriteFrame(gen, frame.Frame{Kind: frame.HTTPReqEnd, JobID: job.ID})
}
