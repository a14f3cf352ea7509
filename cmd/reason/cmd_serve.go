// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReason/services/reasoning/api"
	"github.com/AleutianAI/AleutianReason/services/reasoning/config"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reasoning HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(func(a *app, _ *renderer) error {
				if addr != "" {
					a.cfg.Server.Addr = addr
				}
				gin.SetMode(a.cfg.Server.Mode)

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
				if err != nil {
					return err
				}
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(flushCtx); err != nil {
						a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
					}
				}()

				if a.configPath != "" {
					go func() {
						if err := config.Watch(ctx, a.configPath, a.logger, func(cfg config.Config) {
							a.applyReload(cfg, c.opts.logLevel)
						}); err != nil {
							a.logger.Warn("config watch disabled", slog.String("error", err.Error()))
						}
					}()
				}

				reasoner, err := a.reasoner()
				if err != nil {
					return err
				}
				explorer, err := a.explorer()
				if err != nil {
					return err
				}
				sessions, err := a.sessionStore()
				if err != nil {
					return err
				}

				srv, err := api.NewServer(reasoner, explorer, sessions,
					api.WithLogger(a.logger),
					api.WithHistoryWindow(a.cfg.Session.HistoryWindow),
					api.WithMetricsHandler(telemetry.MetricsHandler()),
				)
				if err != nil {
					return err
				}
				err = srv.Run(ctx, a.cfg.Server.Addr, a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8090)")
	return cmd
}
