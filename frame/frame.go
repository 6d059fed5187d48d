// Package frame implements the length-prefixed wire protocol shared by the
// ship and offshore processes. A frame is:
//
//	[1 byte kind][8 bytes job id, big-endian][4 bytes length, big-endian][length bytes payload]
//
// Every read or write operation is blocking and fails with ierr.LinkLost on
// any I/O error or EOF mid-frame — at that point the underlying socket is
// unusable and the caller must reconnect.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/oatcode/shipproxy/ierr"
)

// Kind identifies the meaning of a frame's payload.
type Kind byte

const (
	// HTTPReq carries the request line and header block only (no body),
	// ship -> offshore. Zero or more HTTPReqChunk frames follow, terminated
	// by HTTPReqEnd, carrying the body out of band so it is never bound by
	// a single frame's MaxPayload.
	HTTPReq Kind = iota + 1
	// HTTPRespChunk carries a slice of upstream response bytes, offshore -> ship.
	HTTPRespChunk
	// HTTPRespEnd marks the end of a response for a job id, offshore -> ship.
	HTTPRespEnd
	// ConnectOpen carries a "host:port" target, ship -> offshore.
	ConnectOpen
	// ConnectOK signals a tunnel is open, offshore -> ship.
	ConnectOK
	// ConnectFail carries a short reason string, offshore -> ship.
	ConnectFail
	// Data carries opaque tunnel bytes for the active job id, both directions.
	Data
	// Close signals a clean end of one tunnel direction, both directions.
	// Payload is a single byte: 0 = remote->local, 1 = local->remote.
	Close
	// Error carries a UTF-8 reason; the ship surfaces it as a 502, offshore -> ship.
	Error
	// HTTPReqChunk carries a slice of the client request body, ship -> offshore.
	HTTPReqChunk
	// HTTPReqEnd marks the end of a request body for a job id, ship -> offshore.
	// Sent even for a bodyless request, immediately after HTTPReq.
	HTTPReqEnd
)

func (k Kind) String() string {
	switch k {
	case HTTPReq:
		return "HTTP_REQ"
	case HTTPRespChunk:
		return "HTTP_RESP_CHUNK"
	case HTTPRespEnd:
		return "HTTP_RESP_END"
	case ConnectOpen:
		return "CONNECT_OPEN"
	case ConnectOK:
		return "CONNECT_OK"
	case ConnectFail:
		return "CONNECT_FAIL"
	case Data:
		return "DATA"
	case Close:
		return "CLOSE"
	case Error:
		return "ERROR"
	case HTTPReqChunk:
		return "HTTP_REQ_CHUNK"
	case HTTPReqEnd:
		return "HTTP_REQ_END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(k))
	}
}

// CloseRemoteToLocal and CloseLocalToRemote are the two payload values for a
// Close frame, naming which half of the tunnel has ended.
const (
	CloseRemoteToLocal byte = 0
	CloseLocalToRemote byte = 1
)

// MaxPayload bounds a single frame's payload. Larger bodies are split across
// multiple DATA/HTTP_RESP_CHUNK frames by the caller.
const MaxPayload = 1 << 20 // 1 MiB

const headerLen = 1 + 8 + 4

// Frame is one unit on the wire.
type Frame struct {
	Kind    Kind
	JobID   uint64
	Payload []byte
}

// Write serializes and writes f to w in full, or returns ierr.LinkLost on an
// I/O error. A payload longer than MaxPayload is rejected with
// ierr.ProtocolViolation before anything is written.
func Write(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return ierr.New(ierr.ProtocolViolation, fmt.Errorf("frame payload %d exceeds max %d", len(f.Payload), MaxPayload))
	}
	var hdr [headerLen]byte
	hdr[0] = byte(f.Kind)
	binary.BigEndian.PutUint64(hdr[1:9], f.JobID)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return ierr.New(ierr.LinkLost, err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return ierr.New(ierr.LinkLost, err)
		}
	}
	return nil
}

// Read reads one whole frame from r, or returns ierr.LinkLost on any I/O
// error or EOF mid-frame, or ierr.ProtocolViolation if the declared length
// exceeds MaxPayload.
func Read(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, ierr.New(ierr.LinkLost, err)
	}
	length := binary.BigEndian.Uint32(hdr[9:13])
	if length > MaxPayload {
		return Frame{}, ierr.New(ierr.ProtocolViolation, fmt.Errorf("frame length %d exceeds max %d", length, MaxPayload))
	}
	f := Frame{
		Kind:  Kind(hdr[0]),
		JobID: binary.BigEndian.Uint64(hdr[1:9]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, ierr.New(ierr.LinkLost, err)
		}
	}
	return f, nil
}
