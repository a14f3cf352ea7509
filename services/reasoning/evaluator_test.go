// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReason/services/llm"
)

func TestParseEvaluation(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		wantValue     float64
		wantRationale string
		wantErr       error
	}{
		{name: "score and rationale", text: "Score: 7.5\nRationale: sound arithmetic", wantValue: 7.5, wantRationale: "sound arithmetic"},
		{name: "markdown", text: "**Score:** 8\n**Rationale:** clear", wantValue: 8, wantRationale: "clear"},
		{name: "fraction rescaled", text: "Score: 3/5", wantValue: 6},
		{name: "clamped high", text: "Score: 42", wantValue: MaxScore},
		{name: "clamped low", text: "Score: -3", wantValue: MinScore},
		{name: "first number fallback", text: "I would give this a 6 overall.", wantValue: 6},
		{name: "no number", text: "looks fine to me", wantErr: ErrUnparsableScore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvaluation(tt.text)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantValue, got.Value, 1e-9)
			assert.Equal(t, tt.wantRationale, got.Rationale)
		})
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, MinScore, ClampScore(-1))
	assert.Equal(t, MaxScore, ClampScore(11))
	assert.Equal(t, 5.5, ClampScore(5.5))
}

func TestLLMEvaluator_Score(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Text: "Score: 9\nRationale: correct", Tokens: 7})
	ev, err := NewLLMEvaluator(gw).Score(context.Background(), "2+2?", "2+2=4")
	require.NoError(t, err)

	assert.Equal(t, 9.0, ev.Value)
	assert.Equal(t, "correct", ev.Rationale)
	assert.Equal(t, 7, ev.TokensUsed)
	assert.Contains(t, gw.Calls()[0].Prompt, "2+2=4")
}

func TestLLMEvaluator_UnparsableStillCountsTokens(t *testing.T) {
	gw := llm.NewMockGateway(llm.MockResponse{Text: "no idea", Tokens: 4})
	ev, err := NewLLMEvaluator(gw).Score(context.Background(), "q", "t")
	assert.ErrorIs(t, err, ErrUnparsableScore)
	assert.Equal(t, 4, ev.TokensUsed)
}

func TestEvaluatorFunc(t *testing.T) {
	var e Evaluator = EvaluatorFunc(func(_ context.Context, _, thought string) (Evaluation, error) {
		if thought == "" {
			return Evaluation{}, errors.New("empty")
		}
		return Evaluation{Value: float64(len(thought))}, nil
	})
	got, err := e.Score(context.Background(), "q", "abc")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Value)

	_, err = e.Score(context.Background(), "q", "")
	assert.Error(t, err)
}

func TestAgreementJudge(t *testing.T) {
	j := AgreementJudge{}

	got, err := j.Judge(context.Background(), "q", []string{"72", " 72. ", "**72**", "70"})
	require.NoError(t, err)
	assert.Equal(t, "72", got.Winner)
	assert.InDelta(t, 0.75, got.Agreement, 1e-9)
	assert.Zero(t, got.TokensUsed)

	tie, err := j.Judge(context.Background(), "q", []string{"b", "a", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", tie.Winner, "ties go to the answer seen first")

	_, err = j.Judge(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNormalizeAnswer(t *testing.T) {
	tests := map[string]string{
		"  Paris.  ":          "paris",
		"**The   Answer**":    "the answer",
		"\"quoted\"":          "quoted",
		"-3":                  "-3",
		"3.14":                "3.14",
		"New York City!":      "new york city",
		"`code`":              "code",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeAnswer(in), "input %q", in)
	}
}
