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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianReason/services/llm"
)

// Score bounds. Every Evaluation value lies in [MinScore, MaxScore].
const (
	MinScore = 0.0
	MaxScore = 10.0
)

// Evaluation is a scored judgement of one thought.
type Evaluation struct {
	Value      float64 `json:"value"`
	Rationale  string  `json:"rationale,omitempty"`
	TokensUsed int     `json:"tokens_used"`
}

// Evaluator scores a candidate thought against the question.
//
// Implementations must return values in [MinScore, MaxScore]; callers clamp
// anyway. A returned error means the candidate is discarded.
type Evaluator interface {
	Score(ctx context.Context, question, thought string) (Evaluation, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, question, thought string) (Evaluation, error)

// Score calls f.
func (f EvaluatorFunc) Score(ctx context.Context, question, thought string) (Evaluation, error) {
	return f(ctx, question, thought)
}

// ClampScore bounds v to [MinScore, MaxScore].
func ClampScore(v float64) float64 {
	return clamp(v, MinScore, MaxScore)
}

// LLMEvaluator asks the gateway to rate a thought on a 0-10 scale.
//
// Thread Safety: Safe for concurrent use if the gateway is.
type LLMEvaluator struct {
	gateway llm.Gateway
	params  llm.GenerationParams
}

// NewLLMEvaluator creates an evaluator with low-temperature scoring.
func NewLLMEvaluator(gateway llm.Gateway) *LLMEvaluator {
	return &LLMEvaluator{
		gateway: gateway,
		params:  llm.GenerationParams{}.WithTemperature(0.1).WithMaxTokens(128),
	}
}

// Score implements Evaluator.
func (e *LLMEvaluator) Score(ctx context.Context, question, thought string) (Evaluation, error) {
	prompt := fmt.Sprintf(`Rate how promising the following reasoning is for answering the question.

Question: %s

Reasoning:
%s

Reply with exactly two lines:
Score: <number from 0 to 10>
Rationale: <one sentence>`, question, thought)

	gen, err := e.gateway.Generate(ctx, prompt, e.params)
	if err != nil {
		return Evaluation{}, err
	}
	ev, err := ParseEvaluation(gen.Text)
	ev.TokensUsed = gen.TokenCount
	return ev, err
}

var (
	scoreLineRe     = regexp.MustCompile(`(?im)^[\s*#_-]*score[\s*_]*[:=][\s*_]*(-?[0-9]*\.?[0-9]+)(\s*/\s*([0-9]+))?`)
	rationaleLineRe = regexp.MustCompile(`(?im)^[\s*#_-]*rationale[\s*_]*[:=]\s*(.+)$`)
	anyNumberRe     = regexp.MustCompile(`-?[0-9]*\.?[0-9]+`)
)

// ParseEvaluation reads "Score:" and "Rationale:" lines from an evaluator
// reply. Without a Score line the first number in the text is used. A
// "x/N" score is rescaled to the 0-10 range.
func ParseEvaluation(text string) (Evaluation, error) {
	var ev Evaluation
	if m := rationaleLineRe.FindStringSubmatch(text); m != nil {
		ev.Rationale = strings.Trim(m[1], "*_ \t")
	}

	raw, denom := "", ""
	if m := scoreLineRe.FindStringSubmatch(text); m != nil {
		raw, denom = m[1], m[3]
	} else if m := anyNumberRe.FindString(text); m != "" {
		raw = m
	}
	if raw == "" {
		return ev, ErrUnparsableScore
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return ev, fmt.Errorf("%w: %q", ErrUnparsableScore, raw)
	}
	if denom != "" {
		if d, err := strconv.ParseFloat(denom, 64); err == nil && d > 0 {
			v = v / d * MaxScore
		}
	}
	ev.Value = ClampScore(v)
	return ev, nil
}
