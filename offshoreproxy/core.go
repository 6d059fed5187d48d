package offshoreproxy

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

// Config configures an offshore Core.
type Config struct {
	ListenHost string
	ListenPort string
}

// Core is the offshore process's single link peer: one PeerListener serving
// one Dispatcher, with shared Metrics for the admin snapshot. Like ship.Core
// it is an explicit value owned by the process entry point.
type Core struct {
	Config   Config
	Listener *PeerListener
	Dispatch *Dispatcher
	Metrics  *Metrics
	log      *logrus.Entry
}

// New constructs a Core. The listener does not accept connections until
// Serve is called.
func New(cfg Config, log *logrus.Logger) (*Core, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenHost, cfg.ListenPort))
	if err != nil {
		return nil, err
	}

	entry := log.WithField("component", "offshore")
	metrics := NewMetrics()
	dispatch := NewDispatcher(metrics, entry.WithField("subcomponent", "dispatcher"))
	listener := NewPeerListener(ln, dispatch, metrics, entry.WithField("subcomponent", "listener"))

	return &Core{
		Config:   cfg,
		Listener: listener,
		Dispatch: dispatch,
		Metrics:  metrics,
		log:      entry,
	}, nil
}

// Addr returns the peer listener's bound address, useful when
// Config.ListenPort "0" asked the OS to pick one.
func (c *Core) Addr() net.Addr {
	return c.Listener.Addr()
}

// Serve runs the peer listener until ctx is canceled or the listener fails.
// It blocks.
func (c *Core) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Listener.Serve() }()

	select {
	case <-ctx.Done():
		c.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting new link connections. The current link, if any,
// is left to end naturally as its in-flight job completes or fails.
func (c *Core) Shutdown() {
	_ = c.Listener.Close()
}

// Snapshot is the admin /metrics payload for the offshore process.
type Snapshot struct {
	LinkActive    bool  `json:"link_active"`
	TunnelsOpen   int64 `json:"tunnels_open"`
	JobsCompleted int64 `json:"jobs_completed"`
	JobsFailed    int64 `json:"jobs_failed"`
}

// GetMetrics returns a point-in-time snapshot for the admin server.
func (c *Core) GetMetrics() Snapshot {
	return Snapshot{
		LinkActive:    c.Listener.Active(),
		TunnelsOpen:   c.Metrics.TunnelsOpen(),
		JobsCompleted: c.Metrics.JobsCompleted(),
		JobsFailed:    c.Metrics.JobsFailed(),
	}
}
