// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reasoning holds the pieces shared by the chain-of-thought and
// tree-of-thoughts engines: the step generator that turns one gateway call
// into one thought, the evaluator and consistency-judge contracts, the
// typed errors, and the observer that traces runs.
package reasoning

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianReason/services/llm"
)

// Default step generation settings.
const (
	DefaultStepTemperature = 0.7
	DefaultStepMaxTokens   = 512
	DefaultConfidence      = 0.5
)

// StepMode selects the instruction given to the model.
type StepMode int

const (
	// ModeChain asks for the next step of a linear trace.
	ModeChain StepMode = iota
	// ModeBranch asks for one candidate continuation of a partial path.
	ModeBranch
)

// Thought is one generated unit of reasoning.
type Thought struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Answer     string  `json:"answer,omitempty"`
	Confidence float64 `json:"confidence"`
	TokensUsed int     `json:"tokens_used"`
}

// StepConfig configures a StepGenerator.
type StepConfig struct {
	Temperature       float32 `json:"temperature" yaml:"temperature" validate:"min=0,max=2"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens" validate:"min=1"`
	DefaultConfidence float64 `json:"default_confidence" yaml:"default_confidence" validate:"min=0,max=1"`
}

// DefaultStepConfig returns sensible defaults.
func DefaultStepConfig() StepConfig {
	return StepConfig{
		Temperature:       DefaultStepTemperature,
		MaxTokens:         DefaultStepMaxTokens,
		DefaultConfidence: DefaultConfidence,
	}
}

// StepRequest is the input to one generation.
type StepRequest struct {
	Mode     StepMode
	Question string

	// Transcript is the rendered context window (ModeChain) or the
	// root-to-node path (ModeBranch).
	Transcript string

	StepNumber int
	MaxSteps   int

	// MustConclude asks the model for a final answer in this step.
	MustConclude bool

	// Temperature overrides the configured temperature when non-nil.
	Temperature *float32
}

// StepGenerator wraps one gateway call to produce one thought.
//
// Thread Safety: Safe for concurrent use if the gateway is.
type StepGenerator struct {
	gateway llm.Gateway
	config  StepConfig
}

// NewStepGenerator creates a generator. Zero config fields take defaults.
func NewStepGenerator(gateway llm.Gateway, config StepConfig) *StepGenerator {
	def := DefaultStepConfig()
	if config.MaxTokens <= 0 {
		config.MaxTokens = def.MaxTokens
	}
	if config.Temperature <= 0 {
		config.Temperature = def.Temperature
	}
	if config.DefaultConfidence <= 0 || config.DefaultConfidence > 1 {
		config.DefaultConfidence = def.DefaultConfidence
	}
	return &StepGenerator{gateway: gateway, config: config}
}

// Generate issues one gateway call and parses the reply.
//
// Outputs:
//   - Thought: Parsed thought; TokensUsed is the gateway's count.
//   - error: The gateway error, unchanged, so callers can classify it.
func (g *StepGenerator) Generate(ctx context.Context, req StepRequest) (Thought, error) {
	temp := g.config.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	params := llm.GenerationParams{}.WithTemperature(temp).WithMaxTokens(g.config.MaxTokens)

	gen, err := g.gateway.Generate(ctx, BuildStepPrompt(req), params)
	if err != nil {
		return Thought{}, err
	}
	th := ParseThought(gen.Text, g.config.DefaultConfidence)
	th.TokensUsed = gen.TokenCount
	return th, nil
}

// BuildStepPrompt renders the instruction for one step.
func BuildStepPrompt(req StepRequest) string {
	var sb strings.Builder
	switch req.Mode {
	case ModeBranch:
		sb.WriteString("You are exploring several alternative lines of reasoning for a question.\n\n")
		fmt.Fprintf(&sb, "Question: %s\n\n", req.Question)
		if req.Transcript != "" {
			fmt.Fprintf(&sb, "Reasoning path so far:\n%s\n\n", req.Transcript)
		}
		fmt.Fprintf(&sb, "Propose one distinct next step (step %d of %d). Be concrete and brief.\n",
			req.StepNumber, req.MaxSteps)
	default:
		sb.WriteString("You are solving a problem one reasoning step at a time.\n\n")
		fmt.Fprintf(&sb, "Question: %s\n\n", req.Question)
		if req.Transcript != "" {
			fmt.Fprintf(&sb, "Context and reasoning so far:\n%s\n\n", req.Transcript)
		}
		fmt.Fprintf(&sb, "Write step %d (at most %d steps in total). Write exactly one short step.\n",
			req.StepNumber, req.MaxSteps)
	}
	if req.MustConclude {
		sb.WriteString("This is the last step: you must conclude with a line \"Final Answer: <answer>\".\n")
	} else {
		sb.WriteString("If the answer is reached, end with a line \"Final Answer: <answer>\".\n")
	}
	sb.WriteString("Always finish with a line \"Confidence: <number between 0 and 1>\".")
	return sb.String()
}

var (
	finalAnswerRe = regexp.MustCompile(`(?im)^[\s*#>_-]*final\s+answer[\s*_]*[:\-]\s*(.*)$`)
	confidenceRe  = regexp.MustCompile(`(?im)^[\s*#>_-]*confidence[\s*_]*[:=][\s*_]*([0-9]*\.?[0-9]+)[ \t]*(%?)`)
	stepPrefixRe  = regexp.MustCompile(`(?i)^\s*step\s*\d+\s*[:.)-]\s*`)
)

// ParseThought extracts the final answer and confidence from a reply.
//
// A "Final Answer:" line marks the thought final; the answer runs to the
// next "Confidence:" line. Confidence accepts 0-1 or a percentage and is
// clamped to [0,1]; when absent defaultConfidence is used.
func ParseThought(text string, defaultConfidence float64) Thought {
	th := Thought{Confidence: defaultConfidence}

	body := strings.TrimSpace(text)
	if m := confidenceRe.FindStringSubmatchIndex(body); m != nil {
		raw := body[m[2]:m[3]]
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			if m[5] > m[4] || v > 1 {
				v /= 100
			}
			th.Confidence = clamp(v, 0, 1)
		}
		body = strings.TrimSpace(body[:m[0]] + body[m[1]:])
	}

	if m := finalAnswerRe.FindStringSubmatchIndex(body); m != nil {
		th.IsFinal = true
		answer := strings.TrimSpace(body[m[2]:])
		answer = strings.Trim(answer, "*_ \t\n")
		th.Answer = answer
	}

	th.Text = stepPrefixRe.ReplaceAllString(body, "")
	return th
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
