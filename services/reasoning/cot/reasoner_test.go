// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReasoner(t *testing.T, gw llm.Gateway, mutate ...func(*Config)) *Reasoner {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewReasoner(gw, cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	return r
}

func countFinal(steps []Step) int {
	n := 0
	for _, s := range steps {
		if s.IsFinal {
			n++
		}
	}
	return n
}

// sequenced answers the n-th call (1-based, in arrival order) with fn(n).
func sequenced(fn func(n int64, prompt string) (*llm.Generation, error)) *llm.MockGateway {
	var calls atomic.Int64
	return llm.NewMockGatewayFunc(func(_ context.Context, prompt string, _ llm.GenerationParams) (*llm.Generation, error) {
		return fn(calls.Add(1), prompt)
	})
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", ZeroShot, false},
		{"zero_shot", ZeroShot, false},
		{"FEW_SHOT", FewShot, false},
		{"self-consistency", SelfConsistency, false},
		{" Reflection ", Reflection, false},
		{"tree", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, reasoning.ErrInvalidRequest)
				assert.ErrorIs(t, err, reasoning.ErrUnknownStrategy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewReasoner_Validation(t *testing.T) {
	_, err := NewReasoner(nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxSteps = 0
	_, err = NewReasoner(llm.NewEchoGateway(), cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Context.Ceiling = 0
	_, err = NewReasoner(llm.NewEchoGateway(), cfg)
	assert.ErrorIs(t, err, contextstore.ErrInvalidConfig)
}

func TestReason_ZeroShotStopsAtFinalStep(t *testing.T) {
	gw := llm.NewMockGateway(
		llm.MockResponse{Text: "Step 1: 17 * 4 = 68.\nConfidence: 0.6", Tokens: 10},
		llm.MockResponse{Text: "68 + 4 = 72.\nFinal Answer: 72\nConfidence: 0.9", Tokens: 20},
		llm.MockResponse{Err: errors.New("should not be called")},
	)
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "What is 17*4 + 4?", MaxSteps: 5})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, ZeroShot, res.Strategy)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, 1, countFinal(res.Steps))
	assert.True(t, res.Steps[1].IsFinal)
	assert.Equal(t, "17 * 4 = 68.", res.Steps[0].Thought)
	assert.Equal(t, "72", res.FinalAnswer)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, 30, res.TotalTokens)
	assert.False(t, res.Degraded)
	assert.Equal(t, 2, gw.CallCount())

	// The second prompt carries the first step.
	assert.Contains(t, gw.Calls()[1].Prompt, "Step 1: 17 * 4 = 68.")
}

func TestReason_ExhaustionPromotesLastStep(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Text: "still thinking\nConfidence: 0.8", Tokens: 5})
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "hard?", MaxSteps: 3})
	require.NoError(t, err)

	require.Len(t, res.Steps, 3)
	assert.Equal(t, 1, countFinal(res.Steps))
	last := res.Steps[2]
	assert.True(t, last.IsFinal)
	assert.InDelta(t, 0.4, last.Confidence, 1e-9)
	assert.Equal(t, "still thinking", res.FinalAnswer)
	assert.InDelta(t, 0.4, res.Confidence, 1e-9)
	assert.True(t, res.Degraded)
	assert.Equal(t, 15, res.TotalTokens)

	// The last prompt demands a conclusion.
	assert.Contains(t, gw.Calls()[2].Prompt, "you must conclude")
}

func TestReason_DefaultMaxSteps(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Text: "hmm", Tokens: 1})
	r := newTestReasoner(t, gw, func(c *Config) { c.MaxSteps = 2 })

	res, err := r.Reason(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Steps, 2)
}

func TestReason_FinalWithoutAnswerUsesThought(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Text: "It is blue.\nFinal Answer:", Tokens: 1})
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "sky colour?"})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.NotEmpty(t, res.FinalAnswer)
	assert.False(t, res.Degraded)
}

func TestReason_InvalidRequests(t *testing.T) {
	r := newTestReasoner(t, llm.NewEchoGateway())

	tests := []struct {
		name string
		req  Request
	}{
		{"empty question", Request{Question: "   "}},
		{"unknown strategy", Request{Question: "q", Strategy: "lateral"}},
		{"negative steps", Request{Question: "q", MaxSteps: -1}},
		{"few-shot without examples", Request{Question: "q", Strategy: FewShot}},
		{"example without answer", Request{Question: "q", Strategy: FewShot, Examples: []Example{{Question: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Reason(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, reasoning.ErrInvalidRequest)
		})
	}
}

func TestReason_FewShotSeedsExamplesAndContext(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Text: "Final Answer: 9\nConfidence: 0.7", Tokens: 3})
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{
		Question: "What is 3*3?",
		Strategy: FewShot,
		Context:  "Use integer arithmetic.",
		Examples: []Example{{Question: "What is 2*2?", Reasoning: "2 added twice", Answer: "4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "9", res.FinalAnswer)

	prompt := gw.Calls()[0].Prompt
	assert.Contains(t, prompt, "Use integer arithmetic.")
	assert.Contains(t, prompt, "Example 1\nQuestion: What is 2*2?")
	assert.Contains(t, prompt, "Final Answer: 4")
}

func TestReason_ZeroShotIgnoresExamples(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Text: "Final Answer: 9", Tokens: 3})
	r := newTestReasoner(t, gw)

	_, err := r.Reason(context.Background(), Request{
		Question: "What is 3*3?",
		Examples: []Example{{Question: "What is 2*2?", Answer: "4"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, gw.Calls()[0].Prompt, "Worked examples")
}

func TestReason_GatewayFailureIsGenerationError(t *testing.T) {
	gw := llm.NewMockGateway(
		llm.MockResponse{Text: "first step", Tokens: 10},
		llm.MockResponse{Err: llm.NewPermanentError("mock", errors.New("bad request"))},
	)
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "q", MaxSteps: 4})
	assert.Nil(t, res)

	var ge *reasoning.GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 2, ge.Step)
	assert.Equal(t, 10, ge.TokensSpent)
	assert.Equal(t, string(ZeroShot), ge.Strategy)

	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Kind == llm.KindPermanent)
}

func TestReason_LongChainCompressesContext(t *testing.T) {
	thought := strings.TrimSpace(strings.Repeat("abcd ", 40))
	gw := sequenced(func(n int64, prompt string) (*llm.Generation, error) {
		return &llm.Generation{Text: thought, TokenCount: 10}, nil
	})
	r := newTestReasoner(t, gw, func(c *Config) {
		c.Context = contextstore.Config{
			Ceiling:              200,
			CompressionThreshold: 0.5,
			SlidingWindowSize:    2,
			CharsPerToken:        4,
			AutoCompress:         true,
		}
	})

	res, err := r.Reason(context.Background(), Request{Question: "q?", MaxSteps: 4})
	require.NoError(t, err)
	require.Len(t, res.Steps, 4)

	// Compression never calls the model, so the step budget bounds the calls.
	assert.Equal(t, 4, gw.CallCount())
	assert.LessOrEqual(t, gw.CallCount(), 4)
	last := gw.Calls()[3].Prompt
	assert.Contains(t, last, "[summary] user: q?")
	assert.Equal(t, 4*10, res.TotalTokens)
}

func TestReason_CallBoundAcrossConfigs(t *testing.T) {
	for _, maxSteps := range []int{1, 2, 5, 9} {
		for _, ceiling := range []int{60, 120, 400} {
			t.Run(fmt.Sprintf("steps%d_ceiling%d", maxSteps, ceiling), func(t *testing.T) {
				gw := sequenced(func(int64, string) (*llm.Generation, error) {
					return &llm.Generation{Text: strings.Repeat("thinking ", 12), TokenCount: 3}, nil
				})
				r := newTestReasoner(t, gw, func(c *Config) {
					c.Context = contextstore.Config{
						Ceiling:              ceiling,
						CompressionThreshold: 0.5,
						SlidingWindowSize:    1,
						CharsPerToken:        4,
						AutoCompress:         true,
					}
				})
				res, err := r.Reason(context.Background(), Request{Question: "q", MaxSteps: maxSteps})
				require.NoError(t, err)
				assert.LessOrEqual(t, gw.CallCount(), maxSteps)
				assert.True(t, res.Degraded)
			})
		}
	}
}

func TestReason_SelfConsistencyMajorityVote(t *testing.T) {
	replies := map[int64]string{
		1: "Final Answer: 72\nConfidence: 0.8",
		2: "Final Answer: 72.\nConfidence: 0.6",
		3: "Final Answer: 70\nConfidence: 0.9",
	}
	gw := sequenced(func(n int64, _ string) (*llm.Generation, error) {
		return &llm.Generation{Text: replies[n], TokenCount: 10}, nil
	})
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "q", Strategy: SelfConsistency, MaxSteps: 2})
	require.NoError(t, err)

	assert.Equal(t, "72", reasoning.NormalizeAnswer(res.FinalAnswer))
	assert.InDelta(t, 0.7*2.0/3.0, res.Confidence, 1e-9)
	assert.Len(t, res.Branches, DefaultSelfConsistencyK)
	assert.Equal(t, 30, res.TotalTokens)
	assert.Equal(t, 1, countFinal(res.Steps))

	require.NotNil(t, res.Consistency)
	assert.InDelta(t, 2.0/3.0, res.Consistency.Agreement, 1e-9)
	assert.Equal(t, "72", res.Consistency.Winner)

	for _, p := range gw.Calls() {
		require.NotNil(t, p.Params.Temperature)
		assert.InDelta(t, DefaultSelfConsistencyTemperature, *p.Params.Temperature, 1e-6)
	}
}

func TestReason_SelfConsistencyTieBreaksOnConfidence(t *testing.T) {
	replies := map[int64]string{
		1: "Final Answer: blue\nConfidence: 0.6",
		2: "Final Answer: green\nConfidence: 0.9",
	}
	gw := sequenced(func(n int64, _ string) (*llm.Generation, error) {
		return &llm.Generation{Text: replies[n], TokenCount: 1}, nil
	})
	r := newTestReasoner(t, gw, func(c *Config) { c.SelfConsistencyK = 2 })

	res, err := r.Reason(context.Background(), Request{Question: "q", Strategy: SelfConsistency, MaxSteps: 1})
	require.NoError(t, err)
	assert.Equal(t, "green", res.FinalAnswer)
	assert.InDelta(t, 0.45, res.Confidence, 1e-9)
}

func TestVote_TieOnConfidenceGoesToEarliest(t *testing.T) {
	chains := []*chain{
		nil,
		{answer: "b", confidence: 0.5},
		{answer: "a", confidence: 0.5},
	}
	got := vote(chains)
	assert.Equal(t, 1, got.first)
	assert.Equal(t, 1, got.count)
}

func TestReason_SelfConsistencyAbsorbsBranchFailure(t *testing.T) {
	gw := sequenced(func(n int64, _ string) (*llm.Generation, error) {
		if n == 2 {
			return nil, llm.NewPermanentError("mock", errors.New("refused"))
		}
		return &llm.Generation{Text: "Final Answer: 4\nConfidence: 0.8", TokenCount: 5}, nil
	})
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "2+2?", Strategy: SelfConsistency, MaxSteps: 1})
	require.NoError(t, err)

	failed := 0
	for _, b := range res.Branches {
		if b.Error != "" {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, "4", res.FinalAnswer)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.Equal(t, 10, res.TotalTokens)
}

func TestReason_SelfConsistencyAllBranchesFail(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Err: llm.NewPermanentError("mock", errors.New("down"))})
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "q", Strategy: SelfConsistency})
	assert.Nil(t, res)

	var ge *reasoning.GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, string(SelfConsistency), ge.Strategy)
	assert.Zero(t, ge.Step)
	assert.Contains(t, ge.Error(), "branch 3")
}

func TestReason_ReflectionAcceptsFirstTrace(t *testing.T) {
	gw := llm.NewMockGateway(
		llm.MockResponse{Text: "Final Answer: 4\nConfidence: 0.9", Tokens: 10},
		llm.MockResponse{Text: "NO FLAWS", Tokens: 3},
	)
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "2+2?", Strategy: Reflection})
	require.NoError(t, err)

	assert.Equal(t, "4", res.FinalAnswer)
	assert.False(t, res.Revised)
	assert.Equal(t, "NO FLAWS", res.Critique)
	assert.Len(t, res.Branches, 1)
	assert.Equal(t, 13, res.TotalTokens)
	assert.Equal(t, 2, gw.CallCount())
}

func TestReason_ReflectionRevisesOnce(t *testing.T) {
	gw := llm.NewMockGateway(
		llm.MockResponse{Text: "Final Answer: 5\nConfidence: 0.9", Tokens: 10},
		llm.MockResponse{Text: "2+2 is not 5.", Tokens: 3},
		llm.MockResponse{Text: "Final Answer: 4\nConfidence: 0.95", Tokens: 12},
		llm.MockResponse{Err: errors.New("no second critique expected")},
	)
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "2+2?", Strategy: Reflection})
	require.NoError(t, err)

	assert.True(t, res.Revised)
	assert.Equal(t, "4", res.FinalAnswer)
	assert.Equal(t, "2+2 is not 5.", res.Critique)
	assert.Len(t, res.Branches, 2)
	assert.Equal(t, 25, res.TotalTokens)
	assert.Equal(t, 1, countFinal(res.Steps))
	assert.Equal(t, 3, gw.CallCount())
	assert.Contains(t, gw.Calls()[2].Prompt, "2+2 is not 5.")
}

func TestReason_ReflectionCritiqueFailureDegrades(t *testing.T) {
	gw := llm.NewMockGateway(
		llm.MockResponse{Text: "Final Answer: 4\nConfidence: 0.9", Tokens: 10},
		llm.MockResponse{Err: llm.NewTransientError("mock", errors.New("overloaded"))},
	)
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "2+2?", Strategy: Reflection})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "4", res.FinalAnswer)
	assert.Equal(t, 10, res.TotalTokens)
}

func TestReason_ReflectionPermanentCritiqueFailureIsReturned(t *testing.T) {
	gw := llm.NewMockGateway(
		llm.MockResponse{Text: "Final Answer: 4\nConfidence: 0.9", Tokens: 10},
		llm.MockResponse{Err: llm.NewPermanentError("mock", errors.New("401 unauthorized"))},
	)
	r := newTestReasoner(t, gw)

	res, err := r.Reason(context.Background(), Request{Question: "2+2?", Strategy: Reflection})
	require.Error(t, err)
	assert.Nil(t, res)

	var ge *reasoning.GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, string(Reflection), ge.Strategy)
	assert.Equal(t, 10, ge.TokensSpent)
	assert.True(t, llm.IsPermanent(err))
}

func TestReason_ReflectionRevisionFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantFail bool
	}{
		{name: "transient keeps first trace", err: llm.NewTransientError("mock", errors.New("503"))},
		{name: "permanent is returned", err: llm.NewPermanentError("mock", errors.New("400")), wantFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := llm.NewMockGateway(
				llm.MockResponse{Text: "Final Answer: 5\nConfidence: 0.9", Tokens: 10},
				llm.MockResponse{Text: "2+2 is not 5.", Tokens: 3},
				llm.MockResponse{Err: tt.err},
			)
			r := newTestReasoner(t, gw)

			res, err := r.Reason(context.Background(), Request{Question: "2+2?", Strategy: Reflection})
			if tt.wantFail {
				var ge *reasoning.GenerationError
				require.ErrorAs(t, err, &ge)
				assert.True(t, llm.IsPermanent(err))
				assert.Equal(t, 13, ge.TokensSpent)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Degraded)
			assert.Equal(t, "5", res.FinalAnswer)
			assert.Equal(t, 13, res.TotalTokens)
		})
	}
}

func TestReason_EchoGatewayRunsEveryStrategy(t *testing.T) {
	r := newTestReasoner(t, llm.NewEchoGateway())
	for _, st := range Strategies() {
		t.Run(string(st), func(t *testing.T) {
			req := Request{Question: "Why is the sky blue?", Strategy: st}
			if st == FewShot {
				req.Examples = []Example{{Question: "Why is grass green?", Answer: "chlorophyll"}}
			}
			res, err := r.Reason(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, 1, countFinal(res.Steps))
			assert.NotEmpty(t, res.FinalAnswer)
			assert.Positive(t, res.TotalTokens)
			_, ok := res.FinalStep()
			assert.True(t, ok)
		})
	}
}
