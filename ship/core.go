// Package ship implements the ship-side half of the proxy: the client
// listener and proxy parser, the request queue, the single worker, and the
// link manager that owns the one TCP connection to the offshore process.
package ship

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oatcode/shipproxy/admin"
)

// Config configures a Core.
type Config struct {
	ListenHost   string
	ListenPort   string
	OffshoreHost string
	OffshorePort string
}

// Core is the ship process's request multiplexer: one Queue, one Worker,
// one Link, and the client Listener that feeds them. It is an explicit
// value owned by the process entry point — no package-level singletons
// (design note §9).
type Core struct {
	Config   Config
	Queue    *Queue
	Link     *Link
	Worker   *Worker
	Listener *Listener
	Events   *admin.EventHub
	log      *logrus.Entry
}

// New constructs a Core. The link manager begins dialing immediately; the
// listener does not accept connections until Serve is called.
func New(cfg Config, log *logrus.Logger) (*Core, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenHost, cfg.ListenPort))
	if err != nil {
		return nil, err
	}

	entry := log.WithField("component", "ship")
	queue := NewQueue()
	link := NewLink(cfg.OffshoreHost, cfg.OffshorePort, entry.WithField("subcomponent", "link"))
	worker := NewWorker(queue, link, entry.WithField("subcomponent", "worker"))
	listener := NewListener(ln, queue, entry.WithField("subcomponent", "listener"))

	events := admin.NewEventHub(entry.WithField("subcomponent", "events"))
	queue.OnEvent(func(eventType string) { events.Publish(admin.Event{Type: eventType, Time: time.Now().Unix()}) })
	link.OnEvent(func(eventType string) { events.Publish(admin.Event{Type: eventType, Time: time.Now().Unix()}) })
	worker.OnEvent(func(eventType string) { events.Publish(admin.Event{Type: eventType, Time: time.Now().Unix()}) })

	return &Core{
		Config:   cfg,
		Queue:    queue,
		Link:     link,
		Worker:   worker,
		Listener: listener,
		Events:   events,
		log:      entry,
	}, nil
}

// Addr returns the client listener's bound address, useful when
// Config.ListenPort "0" asked the OS to pick one.
func (c *Core) Addr() net.Addr {
	return c.Listener.Addr()
}

// Serve runs the worker and the client listener until ctx is canceled or
// the listener fails. It blocks.
func (c *Core) Serve(ctx context.Context) error {
	go c.Worker.Run(ctx)

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

// Shutdown stops accepting new clients, closes the queue, and tears down
// the link. In-flight jobs are left to fail naturally via LinkLost.
func (c *Core) Shutdown() {
	_ = c.Listener.Close()
	c.Queue.Close()
	c.Link.Close()
}

// Snapshot is the admin /metrics payload for the ship process.
type Snapshot struct {
	QueueDepth     int    `json:"queue_depth"`
	LinkState      string `json:"link_state"`
	LinkGeneration uint64 `json:"link_generation"`
	JobsCompleted  int64  `json:"jobs_completed"`
	JobsFailed     int64  `json:"jobs_failed"`
}

// Metrics returns a point-in-time snapshot for the admin server.
func (c *Core) Metrics() Snapshot {
	return Snapshot{
		QueueDepth:     c.Queue.Len(),
		LinkState:      c.Link.State().String(),
		LinkGeneration: c.Link.Generation(),
		JobsCompleted:  c.Worker.completed.Load(),
		JobsFailed:     c.Worker.failed.Load(),
	}
}
