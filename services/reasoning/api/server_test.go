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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/reasoning/cot"
	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
	"github.com/AleutianAI/AleutianReason/services/reasoning/tot"
	"github.com/AleutianAI/AleutianReason/services/storage/badgerkv"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const finalReply = "The sum is four.\nFinal Answer: 4\nConfidence: 0.9"

type fixture struct {
	router   *gin.Engine
	gateway  *llm.MockGateway
	sessions *session.Store
}

func newFixture(t *testing.T, gw *llm.MockGateway, withSessions bool) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reasoner, err := cot.NewReasoner(gw, cot.DefaultConfig(), cot.WithLogger(logger))
	require.NoError(t, err)

	totCfg := tot.DefaultConfig()
	totCfg.MaxConcurrency = 1
	explorer, err := tot.NewExplorer(gw, totCfg,
		tot.WithLogger(logger),
		tot.WithEvaluator(reasoning.EvaluatorFunc(func(context.Context, string, string) (reasoning.Evaluation, error) {
			return reasoning.Evaluation{Value: 9, Rationale: "sound"}, nil
		})),
	)
	require.NoError(t, err)

	var store *session.Store
	if withSessions {
		db, err := badgerkv.OpenInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		store, err = session.NewStore(db, contextstore.DefaultConfig(),
			session.WithLogger(logger),
			session.WithSummarizer(contextstore.NewLLMSummarizer(gw)),
		)
		require.NoError(t, err)
	}

	srv, err := NewServer(reasoner, explorer, store, WithLogger(logger), WithHistoryWindow(4))
	require.NoError(t, err)
	return fixture{router: srv.Router(), gateway: gw, sessions: store}
}

func (f fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNewServer_RequiresEngines(t *testing.T) {
	_, err := NewServer(nil, nil, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply}), false)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["sessions"])
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply}), false)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCoT_ZeroShot(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply, Tokens: 7}), true)

	w := f.do(t, http.MethodPost, "/v1/reason/cot", map[string]any{"question": "What is 2+2?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[cot.Result](t, w)
	assert.Equal(t, "4", res.FinalAnswer)
	assert.Equal(t, cot.ZeroShot, res.Strategy)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.NotEmpty(t, res.ID)

	rec, err := f.sessions.GetResult(context.Background(), session.KindCoT, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "What is 2+2?", rec.Question)
}

func TestCoT_InvalidRequests(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply}), false)

	tests := []struct {
		name string
		body any
	}{
		{"missing question", map[string]any{}},
		{"unknown strategy", map[string]any{"question": "q", "strategy": "telepathy"}},
		{"few shot without examples", map[string]any{"question": "q", "strategy": "few_shot"}},
		{"negative steps", map[string]any{"question": "q", "max_steps": -1}},
		{"malformed", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/reason/cot", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "invalid_request", decode[ErrorResponse](t, w).Kind)
		})
	}
	assert.Zero(t, f.gateway.CallCount())
}

func TestCoT_GenerationFailure(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Err: llm.NewPermanentError("mock", errors.New("model not found"))})
	f := newFixture(t, gw, false)

	w := f.do(t, http.MethodPost, "/v1/reason/cot", map[string]any{"question": "q"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "generation", resp.Kind)
	assert.Contains(t, resp.Error, "model not found")
}

func TestCoT_UsesSessionHistory(t *testing.T) {
	var prompts []string
	gw := llm.NewMockGatewayFunc(func(_ context.Context, prompt string, _ llm.GenerationParams) (*llm.Generation, error) {
		prompts = append(prompts, prompt)
		return &llm.Generation{Text: finalReply, TokenCount: 3}, nil
	})
	f := newFixture(t, gw, true)

	w := f.do(t, http.MethodPost, "/v1/context/s1/entries", map[string]any{"role": "user", "content": "Remember: the user likes cats."})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/reason/cot", map[string]any{"question": "What pet?", "session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(t, prompts)
	assert.Contains(t, prompts[0], "the user likes cats")

	w = f.do(t, http.MethodGet, "/v1/context/s1/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[EntriesResponse](t, w)
	require.Len(t, entries.Entries, 3)
	assert.Equal(t, contextstore.RoleUser, entries.Entries[1].Role)
	assert.Equal(t, "What pet?", entries.Entries[1].Content)
	assert.Equal(t, contextstore.RoleAssistant, entries.Entries[2].Role)
	assert.Equal(t, "4", entries.Entries[2].Content)

	w = f.do(t, http.MethodGet, "/v1/results/cot?session_id=s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]session.ResultRecord](t, w), 1)
}

func TestToT_Explore(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply, Tokens: 2}), true)

	w := f.do(t, http.MethodPost, "/v1/reason/tot", map[string]any{
		"question":         "What is 2+2?",
		"strategy":         "bfs",
		"max_depth":        1,
		"branching_factor": 2,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Strategy    tot.Strategy      `json:"strategy"`
		FinalAnswer string            `json:"final_answer"`
		BestPath    []tot.ThoughtNode `json:"best_path"`
		Degraded    bool              `json:"degraded"`
		Tree        struct {
			Stats tot.TreeStats `json:"stats"`
		} `json:"tree"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, tot.BreadthFirst, res.Strategy)
	assert.Equal(t, "4", res.FinalAnswer)
	assert.False(t, res.Degraded)
	assert.Len(t, res.BestPath, 2)
	assert.Equal(t, 3, res.Tree.Stats.Total)
	assert.Equal(t, 2, res.Tree.Stats.Terminal)

	w = f.do(t, http.MethodGet, "/v1/results/tot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]session.ResultRecord](t, w), 1)
}

func TestToT_InvalidStrategy(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply}), false)
	w := f.do(t, http.MethodPost, "/v1/reason/tot", map[string]any{"question": "q", "strategy": "random_walk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToT_AllCandidatesFail(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Err: llm.NewPermanentError("mock", errors.New("boom"))})
	f := newFixture(t, gw, false)

	w := f.do(t, http.MethodPost, "/v1/reason/tot", map[string]any{"question": "q"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "exploration", decode[ErrorResponse](t, w).Kind)
}

func TestContextRoutes(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: "short summary"}), true)

	w := f.do(t, http.MethodPost, "/v1/context/c1/entries", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	entry := decode[contextstore.Entry](t, w)
	assert.Equal(t, contextstore.RoleUser, entry.Role)
	assert.Equal(t, uint64(1), entry.SequenceID)

	w = f.do(t, http.MethodPost, "/v1/context/c1/entries", map[string]any{"role": "wizard", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/context/c1/entries", map[string]any{"role": "user"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/context/c1/entries", map[string]any{"content": strings.Repeat("x", 40000)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "capacity", decode[ErrorResponse](t, w).Kind)

	w = f.do(t, http.MethodGet, "/v1/context/c1/entries?window=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/context/c1/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[contextstore.ValidationReport](t, w).Valid)

	w = f.do(t, http.MethodPost, "/v1/context/c1/compress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[contextstore.CompressionReport](t, w).Performed)

	w = f.do(t, http.MethodGet, "/v1/context/missing/entries", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]session.Summary](t, w), 1)

	w = f.do(t, http.MethodDelete, "/v1/sessions/c1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, "/v1/sessions/c1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContextRoutes_WithoutSessions(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply}), false)

	w := f.do(t, http.MethodGet, "/v1/context/c1/entries", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/v1/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestResults_UnknownKind(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway(llm.MockResponse{Text: finalReply}), true)

	w := f.do(t, http.MethodGet, "/v1/results/mcts", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/results/cot/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid", reasoning.InvalidRequestf("bad"), http.StatusBadRequest, "invalid_request"},
		{"capacity", &contextstore.CapacityError{EntryTokens: 10, Ceiling: 5}, http.StatusRequestEntityTooLarge, "capacity"},
		{"validation", &contextstore.ValidationError{Issues: []string{"x"}}, http.StatusUnprocessableEntity, "validation"},
		{"generation", &reasoning.GenerationError{Strategy: "zero_shot", Step: 1, TokensSpent: 4, Err: errors.New("x")}, http.StatusBadGateway, "generation"},
		{"exploration", &reasoning.ExplorationError{Strategy: "beam_search", Reason: "r", Err: errors.New("x")}, http.StatusBadGateway, "exploration"},
		{"timeout", &reasoning.GenerationError{Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "timeout"},
		{"breaker", &reasoning.GenerationError{Err: llm.ErrCircuitOpen}, http.StatusServiceUnavailable, "unavailable"},
		{"provider", llm.NewTransientError("mock", errors.New("x")), http.StatusBadGateway, "provider"},
		{"not found", session.ErrSessionNotFound, http.StatusNotFound, "not_found"},
		{"other", errors.New("x"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, resp.Kind)
		})
	}

	_, resp := classify(&reasoning.GenerationError{TokensSpent: 4, Err: errors.New("x")})
	assert.Equal(t, 4, resp.TokensSpent)
}
