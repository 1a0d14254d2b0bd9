package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FranksOps/echo/internal/metrics"
	"github.com/FranksOps/echo/internal/server"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve queries over HTTP as server-sent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cache != nil {
				a.cache.Start(ctx)
			}

			if port := o.cfg.Server.MetricsPort; port > 0 {
				ms := metrics.Start(port, o.logger)
				defer func() { _ = ms.Stop(context.Background()) }()
			}

			return server.New(a.pipeline, server.Config{
				Addr:              o.cfg.Server.Addr,
				ShutdownTimeout:   o.cfg.Server.ShutdownTimeout,
				RequestsPerMinute: o.cfg.Server.RequestsPerMinute,
				Debug:             strings.EqualFold(o.cfg.Log.Level, "debug"),
				Logger:            o.logger,
			}).ListenAndServe(ctx)
		},
	}

	fl := cmd.Flags()
	fl.String("addr", "", "listen address (default :8080)")
	fl.Int("metrics-port", 0, "also serve /metrics on this port")
	_ = o.v.BindPFlag("server.addr", fl.Lookup("addr"))
	_ = o.v.BindPFlag("server.metrics_port", fl.Lookup("metrics-port"))
	return cmd
}
