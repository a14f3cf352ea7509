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
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/reasoning/cot"
	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
	"github.com/AleutianAI/AleutianReason/services/reasoning/tot"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

// CoTRequest is the body of POST /v1/reason/cot.
type CoTRequest struct {
	cot.Request
	// SessionID, when set, feeds the session history in as background and
	// records the question and answer in the session afterwards.
	SessionID string `json:"session_id,omitempty"`
}

// ToTRequest is the body of POST /v1/reason/tot.
type ToTRequest struct {
	tot.Request
	SessionID string `json:"session_id,omitempty"`
}

// AppendRequest is the body of POST /v1/context/:session/entries.
type AppendRequest struct {
	Role    string `json:"role"`
	Content string `json:"content" validate:"required"`
}

// EntriesResponse is the body of GET /v1/context/:session/entries.
type EntriesResponse struct {
	SessionID   string               `json:"session_id"`
	Entries     []contextstore.Entry `json:"entries"`
	TotalTokens int                  `json:"total_tokens"`
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, fmt.Errorf("%w: malformed body: %v", reasoning.ErrInvalidRequest, err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		badRequest(c, fmt.Errorf("%w: %v", reasoning.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) history(ctx context.Context, sessionID string) (string, error) {
	if s.sessions == nil {
		return "", nil
	}
	return s.sessions.History(ctx, sessionID, s.historyWindow)
}

func joinContext(history, given string) string {
	switch {
	case history == "":
		return given
	case given == "":
		return history
	}
	return history + "\n\n" + given
}

// record archives the result and updates the session. Failures are logged
// and do not fail the request.
func (s *Server) record(ctx context.Context, kind session.ResultKind, sessionID, id, question, answer string, result any) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.Record(ctx, kind, sessionID, id, question, answer, result); err != nil {
		telemetry.LoggerWithTrace(ctx, s.logger).Warn("recording result failed",
			slog.String("result_id", id),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleCoT(c *gin.Context) {
	var req CoTRequest
	if !s.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	history, err := s.history(ctx, req.SessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	req.Context = joinContext(history, req.Context)

	res, err := s.reasoner.Reason(ctx, req.Request)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.record(ctx, session.KindCoT, req.SessionID, res.ID, req.Question, res.FinalAnswer, res)
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleToT(c *gin.Context) {
	var req ToTRequest
	if !s.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	history, err := s.history(ctx, req.SessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	question := req.Question
	if history != "" {
		req.Question = "Background:\n" + history + "\n\nQuestion: " + question
	}

	res, err := s.explorer.Explore(ctx, req.Request)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.record(ctx, session.KindToT, req.SessionID, res.ID, question, res.FinalAnswer, res)
	c.JSON(http.StatusOK, res)
}

func (s *Server) requireSessions(c *gin.Context) bool {
	if s.sessions == nil {
		s.writeError(c, errSessionsDisabled)
		return false
	}
	return true
}

func (s *Server) handleAppend(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	var req AppendRequest
	if !s.bind(c, &req) {
		return
	}
	role := contextstore.RoleUser
	if req.Role != "" {
		r, err := contextstore.ParseRole(req.Role)
		if err != nil {
			s.writeError(c, fmt.Errorf("%w: %v", contextstore.ErrInvalidEntry, err))
			return
		}
		role = r
	}

	entry, err := s.sessions.Append(c.Request.Context(), c.Param("session"), contextstore.Entry{Role: role, Content: req.Content})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleEntries(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	window := 0
	if raw := c.Query("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, fmt.Errorf("%w: window must be a non-negative integer", reasoning.ErrInvalidRequest))
			return
		}
		window = n
	}

	id := c.Param("session")
	entries, err := s.sessions.Window(c.Request.Context(), id, window)
	if err != nil {
		s.writeError(c, err)
		return
	}
	total := 0
	for _, e := range entries {
		total += e.TokenCount
	}
	c.JSON(http.StatusOK, EntriesResponse{SessionID: id, Entries: entries, TotalTokens: total})
}

func (s *Server) handleCompress(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	report, err := s.sessions.Compress(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleValidate(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	report, err := s.sessions.Validate(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, report)
}

func (s *Server) handleListSessions(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	list, err := s.sessions.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []session.Summary{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	id := c.Param("session")
	if err := s.sessions.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func parseKind(raw string) (session.ResultKind, error) {
	switch k := session.ResultKind(raw); k {
	case session.KindCoT, session.KindToT:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown result kind %q", reasoning.ErrInvalidRequest, raw)
}

func (s *Server) handleListResults(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	kind, err := parseKind(c.Param("kind"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	list, err := s.sessions.ListResults(c.Request.Context(), kind, c.Query("session_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []session.ResultRecord{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetResult(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	kind, err := parseKind(c.Param("kind"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	rec, err := s.sessions.GetResult(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
