package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/docagent/server"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over HTTP and WebSocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Warn("shutdown", "error", err)
				}
			}()
			if err := a.startWatcher(ctx); err != nil {
				return err
			}

			srv, err := server.New(server.Options{
				Runner:    a.agent,
				RateLimit: cfg.Server.RateLimit,
				RateBurst: cfg.Server.RateBurst,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx, cfg.Server.Listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}
