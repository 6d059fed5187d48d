// Package admin implements the small observability HTTP server carried by
// both processes (§1c): a health check, a gzip-compressed JSON metrics
// snapshot, and — ship side only — a websocket event stream. None of it
// sits on the proxied request/response/tunnel path.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// SnapshotFunc returns the current metrics snapshot to serve from
// GET /metrics. It must be safe to call concurrently.
type SnapshotFunc func() any

// Server is the admin HTTP server. Construct with New, then Serve.
type Server struct {
	addr     string
	snapshot SnapshotFunc
	events   *EventHub
	log      *logrus.Entry

	httpSrv *http.Server
	ready   chan struct{}
}

// New builds an admin server listening on addr. events may be nil — only
// the ship process wires one, per §1c ("GET /events (ship only)").
func New(addr string, snapshot SnapshotFunc, events *EventHub, log *logrus.Entry) *Server {
	s := &Server{
		addr:     addr,
		snapshot: snapshot,
		events:   events,
		log:      log,
		ready:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	if events != nil {
		mux.HandleFunc("/events", events.handleWS)
	}
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Serve blocks, listening on addr, until Shutdown is called. It marks the
// server ready for /healthz when Serve is called, just before the listener
// is bound, mirroring the "once the process has completed startup"
// condition in §1c.
func (s *Server) Serve() error {
	close(s.ready)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ready:
	default:
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	gw := gzip.NewWriter(w)
	defer gw.Close()
	if _, err := gw.Write(body); err != nil {
		s.log.WithError(err).Warn("metrics response write failed")
	}
}
