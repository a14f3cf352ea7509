// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

// errSessionsDisabled is returned by context routes without a session store.
var errSessionsDisabled = errors.New("session persistence is disabled")

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Kind        string   `json:"kind"`
	TokensSpent int      `json:"tokens_spent,omitempty"`
	Issues      []string `json:"issues,omitempty"`
}

// classify maps an error to a status code and a stable kind label.
func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var (
		capErr   *contextstore.CapacityError
		valErr   *contextstore.ValidationError
		genErr   *reasoning.GenerationError
		explErr  *reasoning.ExplorationError
		provider *llm.ProviderError
	)
	switch {
	case errors.Is(err, reasoning.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidID),
		errors.Is(err, contextstore.ErrInvalidEntry):
		resp.Kind = "invalid_request"
		return http.StatusBadRequest, resp
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrResultNotFound):
		resp.Kind = "not_found"
		return http.StatusNotFound, resp
	case errors.As(err, &capErr):
		resp.Kind = "capacity"
		return http.StatusRequestEntityTooLarge, resp
	case errors.As(err, &valErr):
		resp.Kind = "validation"
		resp.Issues = valErr.Issues
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, errSessionsDisabled):
		resp.Kind = "unavailable"
		return http.StatusServiceUnavailable, resp
	}

	if errors.As(err, &genErr) {
		resp.TokensSpent = genErr.TokensSpent
	}
	if errors.As(err, &explErr) {
		resp.TokensSpent = explErr.TokensSpent
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		resp.Kind = "timeout"
		return http.StatusGatewayTimeout, resp
	case errors.Is(err, llm.ErrCircuitOpen):
		resp.Kind = "unavailable"
		return http.StatusServiceUnavailable, resp
	case genErr != nil:
		resp.Kind = "generation"
		return http.StatusBadGateway, resp
	case explErr != nil:
		resp.Kind = "exploration"
		return http.StatusBadGateway, resp
	case errors.As(err, &provider):
		resp.Kind = "provider"
		return http.StatusBadGateway, resp
	}
	resp.Kind = "internal"
	return http.StatusInternalServerError, resp
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, resp := classify(err)
	logger := telemetry.LoggerWithTrace(c.Request.Context(), s.logger)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(c.Request.Context(), level, "request failed",
		slog.String("path", c.FullPath()),
		slog.Int("status", status),
		slog.String("kind", resp.Kind),
		slog.String("error", err.Error()),
	)
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "invalid_request"})
}
