// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes chain-of-thought, tree-of-thoughts and context
// sessions over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianReason/services/reasoning/cot"
	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
	"github.com/AleutianAI/AleutianReason/services/reasoning/tot"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

// ServiceName labels spans produced by the HTTP middleware.
const ServiceName = "aleutian-reason"

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHistoryWindow sets how many session entries are passed to a
// reasoning run as background. 0 passes none.
func WithHistoryWindow(n int) Option {
	return func(s *Server) {
		s.historyWindow = n
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server holds the HTTP handlers.
type Server struct {
	reasoner      *cot.Reasoner
	explorer      *tot.Explorer
	sessions      *session.Store
	logger        *slog.Logger
	historyWindow int
	metrics       http.Handler
	validate      *validator.Validate
}

// NewServer wires the handlers. sessions may be nil, in which case the
// context routes answer 503 and results are not archived.
func NewServer(reasoner *cot.Reasoner, explorer *tot.Explorer, sessions *session.Store, opts ...Option) (*Server, error) {
	if reasoner == nil || explorer == nil {
		return nil, errors.New("api: reasoner and explorer are required")
	}
	s := &Server{
		reasoner:      reasoner,
		explorer:      explorer,
		sessions:      sessions,
		logger:        slog.Default(),
		historyWindow: 12,
		metrics:       telemetry.MetricsHandler(),
		validate:      validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(s.requestLogger())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(s.metrics))

	v1 := router.Group("/v1")
	{
		reason := v1.Group("/reason")
		{
			reason.POST("/cot", s.handleCoT)
			reason.POST("/tot", s.handleToT)
		}

		ctxGroup := v1.Group("/context/:session")
		{
			ctxGroup.POST("/entries", s.handleAppend)
			ctxGroup.GET("/entries", s.handleEntries)
			ctxGroup.POST("/compress", s.handleCompress)
			ctxGroup.GET("/validate", s.handleValidate)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", s.handleListSessions)
			sessions.DELETE("/:session", s.handleDeleteSession)
		}

		v1.GET("/results/:kind", s.handleListResults)
		v1.GET("/results/:kind/:id", s.handleGetResult)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger := telemetry.LoggerWithTrace(c.Request.Context(), s.logger)
		logger.Info("request handled",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessions != nil,
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("reasoning API listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down reasoning API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
