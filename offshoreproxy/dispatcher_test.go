package offshoreproxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/oatcode/shipproxy/frame"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func TestServeOneHTTPReqRoundTrip(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/echo", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()

	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	reqLine := fmt.Sprintf("GET http://%s/echo HTTP/1.1\r\nHost: %s\r\n\r\n", origin.Listener.Addr().String(), origin.Listener.Addr().String())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.ServeOne(offshoreSide, &writeMu) }()

	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: 99, Payload: []byte(reqLine)}))
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqEnd, JobID: 99}))

	var body []byte
	for {
		shipSide.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := frame.Read(shipSide)
		require.NoError(t, err)
		require.Equal(t, uint64(99), f.JobID)
		if f.Kind == frame.HTTPRespEnd {
			break
		}
		require.Equal(t, frame.HTTPRespChunk, f.Kind)
		body = append(body, f.Payload...)
	}

	require.Contains(t, string(body), "hello from origin")
	require.Contains(t, string(body), "200")
	require.NoError(t, <-serveErrCh)
}

func TestServeOneHTTPReqWithKnownLengthBodyRoundTrip(t *testing.T) {
	var gotBody []byte
	var gotContentLength int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentLength = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("ok"))
	}))
	defer origin.Close()

	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	reqLine := fmt.Sprintf("POST http://%s/submit HTTP/1.1\r\nHost: %s\r\nContent-Length: 11\r\n\r\n", origin.Listener.Addr().String(), origin.Listener.Addr().String())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.ServeOne(offshoreSide, &writeMu) }()

	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: 11, Payload: []byte(reqLine)}))
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqChunk, JobID: 11, Payload: []byte("field=value")}))
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqEnd, JobID: 11}))

	for {
		shipSide.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := frame.Read(shipSide)
		require.NoError(t, err)
		if f.Kind == frame.HTTPRespEnd {
			break
		}
	}
	require.NoError(t, <-serveErrCh)

	require.Equal(t, "field=value", string(gotBody))
	require.Equal(t, int64(11), gotContentLength)
}

func TestServeOneHTTPReqWithChunkedBodyAcrossMultipleFramesRoundTrip(t *testing.T) {
	var gotBody []byte
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("ok"))
	}))
	defer origin.Close()

	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	reqLine := fmt.Sprintf("POST http://%s/upload HTTP/1.1\r\nHost: %s\r\nTransfer-Encoding: chunked\r\n\r\n", origin.Listener.Addr().String(), origin.Listener.Addr().String())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.ServeOne(offshoreSide, &writeMu) }()

	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: 12, Payload: []byte(reqLine)}))
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqChunk, JobID: 12, Payload: []byte("hello-")}))
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqChunk, JobID: 12, Payload: []byte("world")}))
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqEnd, JobID: 12}))

	for {
		shipSide.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := frame.Read(shipSide)
		require.NoError(t, err)
		if f.Kind == frame.HTTPRespEnd {
			break
		}
	}
	require.NoError(t, <-serveErrCh)

	require.Equal(t, "hello-world", string(gotBody))
}

func TestServeOneHTTPReqUpstreamDialFailure(t *testing.T) {
	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	// Port 1 on loopback should never accept; dial should fail quickly.
	reqLine := "GET http://127.0.0.1:1/ HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.ServeOne(offshoreSide, &writeMu) }()
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: 5, Payload: []byte(reqLine)}))

	shipSide.SetReadDeadline(time.Now().Add(UpstreamDialTimeout + 2*time.Second))
	f, err := frame.Read(shipSide)
	require.NoError(t, err)
	require.Equal(t, frame.Error, f.Kind)
	require.Equal(t, uint64(5), f.JobID)

	// The dial failure path must still drain the request body to keep the
	// link's frame sequence aligned for the next top-level read.
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqEnd, JobID: 5}))
	require.NoError(t, <-serveErrCh)
}

func TestServeOneMalformedHTTPReqYieldsError(t *testing.T) {
	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.ServeOne(offshoreSide, &writeMu) }()
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: 1, Payload: []byte("not an http request")}))

	shipSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.Read(shipSide)
	require.NoError(t, err)
	require.Equal(t, frame.Error, f.Kind)

	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.HTTPReqEnd, JobID: 1}))
	require.NoError(t, <-serveErrCh)
}

func TestServeOneConnectOpenRoundTrip(t *testing.T) {
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer originLn.Close()

	originAcceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := originLn.Accept()
		if err == nil {
			originAcceptedCh <- conn
		}
	}()

	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	go d.ServeOne(offshoreSide, &writeMu)
	require.NoError(t, frame.Write(shipSide, frame.Frame{
		Kind:    frame.ConnectOpen,
		JobID:   7,
		Payload: []byte(originLn.Addr().String()),
	}))

	shipSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	okFrame, err := frame.Read(shipSide)
	require.NoError(t, err)
	require.Equal(t, frame.ConnectOK, okFrame.Kind)

	originConn := <-originAcceptedCh
	defer originConn.Close()

	// ship -> origin
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.Data, JobID: 7, Payload: []byte("ping")}))
	buf := make([]byte, 4)
	originConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(originConn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	// origin -> ship
	_, err = originConn.Write([]byte("pong"))
	require.NoError(t, err)
	shipSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	dataFrame, err := frame.Read(shipSide)
	require.NoError(t, err)
	require.Equal(t, frame.Data, dataFrame.Kind)
	require.Equal(t, "pong", string(dataFrame.Payload))

	originConn.Close()
	shipSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	closeFrame, err := frame.Read(shipSide)
	require.NoError(t, err)
	require.Equal(t, frame.Close, closeFrame.Kind)
	require.Equal(t, []byte{frame.CloseRemoteToLocal}, closeFrame.Payload)
}

func TestServeOneConnectOpenDialFailure(t *testing.T) {
	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	go d.ServeOne(offshoreSide, &writeMu)
	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.ConnectOpen, JobID: 3, Payload: []byte("127.0.0.1:1")}))

	shipSide.SetReadDeadline(time.Now().Add(UpstreamDialTimeout + 2*time.Second))
	f, err := frame.Read(shipSide)
	require.NoError(t, err)
	require.Equal(t, frame.ConnectFail, f.Kind)
}

func TestServeOneUnexpectedTopLevelFrameIsProtocolViolation(t *testing.T) {
	shipSide, offshoreSide := net.Pipe()
	defer shipSide.Close()
	defer offshoreSide.Close()

	d := NewDispatcher(NewMetrics(), discardLog())
	var writeMu sync.Mutex

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.ServeOne(offshoreSide, &writeMu) }()

	require.NoError(t, frame.Write(shipSide, frame.Frame{Kind: frame.Data, JobID: 1}))

	select {
	case err := <-serveErrCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeOne did not return on an unexpected top-level frame")
	}
}
