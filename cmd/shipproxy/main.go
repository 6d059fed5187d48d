// Command shipproxy runs the ship-side half of the proxy: the local
// client-facing listener, request queue, worker, and link manager that
// dials out to the offshore process (§6).
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
	"github.com/oatcode/shipproxy/ship"
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
		listenHost   string
		listenPort   string
		offshoreHost string
		offshorePort string
		adminListen  string
	)

	cmd := &cobra.Command{
		Use:   "shipproxy",
		Short: "Ship-side HTTP/HTTPS forward proxy",
		Long:  "Accepts local client proxy connections and serves them over a single link to an offshore egress process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if offshoreHost == "" {
				if v := os.Getenv("OFFSHORE_HOST"); v != "" {
					offshoreHost = v
				}
			}
			if !cmd.Flags().Changed("offshore-port") {
				if v := os.Getenv("OFFSHORE_PORT"); v != "" {
					offshorePort = v
				}
			}
			if !cmd.Flags().Changed("admin-listen") {
				if v := os.Getenv("ADMIN_LISTEN"); v != "" {
					adminListen = v
				}
			}
			if offshoreHost == "" {
				return errors.New("--offshore-host is required")
			}
			return run(cmd.Context(), ship.Config{
				ListenHost:   listenHost,
				ListenPort:   listenPort,
				OffshoreHost: offshoreHost,
				OffshorePort: offshorePort,
			}, adminListen)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listenHost, "listen-host", "0.0.0.0", "local proxy listen host")
	flags.StringVar(&listenPort, "listen-port", "8080", "local proxy listen port")
	flags.StringVar(&offshoreHost, "offshore-host", "", "offshore process host (required; env OFFSHORE_HOST)")
	flags.StringVar(&offshorePort, "offshore-port", "9999", "offshore process port (env OFFSHORE_PORT)")
	flags.StringVar(&adminListen, "admin-listen", ":8081", "admin HTTP server address (env ADMIN_LISTEN)")

	return cmd
}

func run(ctx context.Context, cfg ship.Config, adminAddr string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	core, err := ship.New(cfg, log)
	if err != nil {
		return err
	}

	adminLog := log.WithField("component", "admin")
	adminSrv := admin.New(adminAddr, func() any { return core.Metrics() }, core.Events, adminLog)
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
		log.WithError(serveErr).Error("ship proxy exited with error")
		return serveErr
	}
	log.Info("ship proxy shut down cleanly")
	return nil
}
