package ship

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oatcode/shipproxy/frame"
)

// tunnelReadBuf is the bounded read size for the client->offshore half of a
// CONNECT tunnel pump (§4.4).
const tunnelReadBuf = 16 * 1024

// halfCloser is implemented by *net.TCPConn and *net.UnixConn; it lets the
// download half signal EOF to the client without tearing down the whole
// socket while the upload half may still be live.
type halfCloser interface {
	CloseWrite() error
}

// runTunnel drives a CONNECT tunnel to completion: an upload goroutine reads
// the client and frames DATA to the link, while this call's own loop reads
// frames from the link and writes DATA to the client. It returns once both
// halves are closed or the link dies — the worker does not dequeue its next
// job until this returns (§4.4).
func runTunnel(job *Job, link *Link, gen uint64, log *logrus.Entry) error {
	uploadDone := make(chan error, 1)
	go func() {
		uploadDone <- tunnelUpload(job, link, gen)
	}()

	downloadErr := tunnelDownload(job, link, gen, log)

	// The upload half returns on client EOF or a client read error, or when
	// a link write fails. The listener closes the client only after the job
	// completes, so when the link died or was reset the pending client read
	// is interrupted here instead of waiting for the client's next byte.
	if downloadErr != nil {
		_ = job.Client.SetReadDeadline(time.Now())
	}
	uploadErr := <-uploadDone

	if downloadErr != nil {
		return downloadErr
	}
	return uploadErr
}

// tunnelUpload is the client -> offshore half: bounded reads from the
// client, each wrapped in a DATA frame. On client EOF it sends CLOSE(1) and
// stops.
func tunnelUpload(job *Job, link *Link, gen uint64) error {
	buf := make([]byte, tunnelReadBuf)
	for {
		n, err := job.Client.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := link.WriteFrame(gen, frame.Frame{Kind: frame.Data, JobID: job.ID, Payload: payload}); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = link.WriteFrame(gen, frame.Frame{
					Kind:    frame.Close,
					JobID:   job.ID,
					Payload: []byte{frame.CloseLocalToRemote},
				})
			}
			return nil
		}
	}
}

// tunnelDownload is the offshore -> client half: DATA frames are written to
// the client socket; CLOSE(0) half-shuts the client's write side and ends
// the half.
func tunnelDownload(job *Job, link *Link, gen uint64, log *logrus.Entry) error {
	for {
		f, err := link.ReadFrame(gen)
		if err != nil {
			return err
		}
		if f.JobID != job.ID {
			link.Reset()
			return frameMismatchErr(job.ID, f.JobID)
		}
		switch f.Kind {
		case frame.Data:
			if _, err := job.Client.Write(f.Payload); err != nil {
				return nil // client gone; upload half will also wind down
			}
		case frame.Close:
			if len(f.Payload) == 1 && f.Payload[0] == frame.CloseRemoteToLocal {
				if hc, ok := job.Client.(halfCloser); ok {
					_ = hc.CloseWrite()
				} else {
					_ = job.Client.Close()
				}
			}
			return nil
		case frame.Error:
			log.WithField("job_id", job.ID).WithField("reason", string(f.Payload)).Warn("tunnel error from offshore")
			return nil
		default:
			link.Reset()
			return frameMismatchErr(job.ID, f.JobID)
		}
	}
}
