// Command offshoreproxy runs the offshore half of the proxy: the peer
// listener that serves the single ship link and the per-request dispatcher
// that performs upstream HTTP egress and CONNECT tunnels (§6).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oatcode/shipproxy/admin"
	"github.com/oatcode/shipproxy/offshoreproxy"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listenHost  string
		listenPort  string
		adminListen string
	)

	cmd := &cobra.Command{
		Use:   "offshoreproxy",
		Short: "Offshore HTTP/HTTPS egress proxy",
		Long:  "Serves the single ship link connection and performs the actual outbound HTTP requests and CONNECT tunnels.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("admin-listen") {
				if v := os.Getenv("ADMIN_LISTEN"); v != "" {
					adminListen = v
				}
			}
			if listenHost == "" {
				return errors.New("--listen-host must not be empty")
			}
			return run(cmd.Context(), offshoreproxy.Config{
				ListenHost: listenHost,
				ListenPort: listenPort,
			}, adminListen)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listenHost, "listen-host", "0.0.0.0", "link listen host")
	flags.StringVar(&listenPort, "listen-port", "9999", "link listen port")
	flags.StringVar(&adminListen, "admin-listen", ":8091", "admin HTTP server address (env ADMIN_LISTEN)")

	return cmd
}

func run(ctx context.Context, cfg offshoreproxy.Config, adminAddr string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	core, err := offshoreproxy.New(cfg, log)
	if err != nil {
		return err
	}

	adminLog := log.WithField("component", "admin")
	// The offshore admin server carries no event hub: §1c reserves
	// GET /events for the ship process, which owns the queue/link state
	// transitions worth streaming.
	adminSrv := admin.New(adminAddr, func() any { return core.GetMetrics() }, nil, adminLog)
	go func() {
		if err := adminSrv.Serve(); err != nil {
			adminLog.WithError(err).Warn("admin server stopped")
		}
	}()

	serveErr := core.Serve(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)

	if serveErr != nil && serveErr != context.Canceled {
		log.WithError(serveErr).Error("offshore proxy exited with error")
		return serveErr
	}
	log.Info("offshore proxy shut down cleanly")
	return nil
}
