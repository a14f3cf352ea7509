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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
)

// Strategy is a chain-of-thought strategy tag.
type Strategy string

const (
	ZeroShot        Strategy = "zero_shot"
	FewShot         Strategy = "few_shot"
	SelfConsistency Strategy = "self_consistency"
	Reflection      Strategy = "reflection"
)

// Strategies lists every strategy in a stable order.
func Strategies() []Strategy {
	return []Strategy{ZeroShot, FewShot, SelfConsistency, Reflection}
}

// ParseStrategy accepts "zero_shot", "ZERO_SHOT", "zero-shot" and so on.
// An empty string yields ZeroShot.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if norm == "" {
		return ZeroShot, nil
	}
	for _, st := range Strategies() {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %w: chain-of-thought %q", reasoning.ErrInvalidRequest, reasoning.ErrUnknownStrategy, s)
}

// Example is one worked example for few-shot prompting.
type Example struct {
	Question  string `json:"question" validate:"required"`
	Reasoning string `json:"reasoning,omitempty"`
	Answer    string `json:"answer" validate:"required"`
}

// Request is the input to Reason.
type Request struct {
	Question string   `json:"question" validate:"required"`
	Strategy Strategy `json:"strategy"`

	// Context is background material placed ahead of the question.
	Context string `json:"context,omitempty"`

	Examples []Example `json:"examples,omitempty"`

	// MaxSteps bounds each chain. Zero uses the configured default.
	MaxSteps int `json:"max_steps,omitempty" validate:"min=0"`
}

// Step is one reasoning step of a chain.
type Step struct {
	StepNumber int     `json:"step_number"`
	Thought    string  `json:"thought"`
	IsFinal    bool    `json:"is_final"`
	Answer     string  `json:"answer,omitempty"`
	Confidence float64 `json:"confidence"`
	TokensUsed int     `json:"tokens_used"`
}

// Branch is one independent chain of a self-consistency or reflection run.
type Branch struct {
	Index       int     `json:"index"`
	Steps       []Step  `json:"steps,omitempty"`
	FinalAnswer string  `json:"final_answer,omitempty"`
	Confidence  float64 `json:"confidence"`
	TokensUsed  int     `json:"tokens_used"`
	Degraded    bool    `json:"degraded,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Result is the outcome of one Reason call.
type Result struct {
	ID          string   `json:"id"`
	Question    string   `json:"question"`
	Strategy    Strategy `json:"strategy"`
	Steps       []Step   `json:"steps"`
	FinalAnswer string   `json:"final_answer"`
	Confidence  float64  `json:"confidence"`

	// TotalTokens counts every gateway call of the run, including
	// critique, judge and failed branches.
	TotalTokens int `json:"total_tokens"`

	// Degraded is set when no step declared itself final and the last step
	// was promoted, or when a reflection pass could not complete.
	Degraded bool `json:"degraded"`

	Branches    []Branch            `json:"branches,omitempty"`
	Consistency *reasoning.Judgment `json:"consistency,omitempty"`
	Critique    string              `json:"critique,omitempty"`
	Revised     bool                `json:"revised,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
}

// FinalStep returns the step flagged final.
func (r *Result) FinalStep() (Step, bool) {
	for _, s := range r.Steps {
		if s.IsFinal {
			return s, true
		}
	}
	return Step{}, false
}

// Default reasoner settings.
const (
	DefaultMaxSteps                   = 8
	DefaultSelfConsistencyK           = 3
	DefaultSelfConsistencyTemperature = 0.9
	DefaultDegradedConfidenceFactor   = 0.5
	DefaultMaxConcurrency             = 4
	DefaultWindowEntries              = 12
)

// Config configures a Reasoner.
type Config struct {
	MaxSteps                   int     `json:"max_steps" yaml:"max_steps" validate:"min=1"`
	SelfConsistencyK           int     `json:"self_consistency_k" yaml:"self_consistency_k" validate:"min=1"`
	SelfConsistencyTemperature float32 `json:"self_consistency_temperature" yaml:"self_consistency_temperature" validate:"min=0,max=2"`
	DegradedConfidenceFactor   float64 `json:"degraded_confidence_factor" yaml:"degraded_confidence_factor" validate:"min=0,max=1"`
	MaxConcurrency             int     `json:"max_concurrency" yaml:"max_concurrency" validate:"min=1"`

	// WindowEntries is how many context entries are rendered per prompt.
	WindowEntries int `json:"window_entries" yaml:"window_entries" validate:"min=1"`

	// ExtractChars is how much of each older step survives compression of
	// a chain's context. Zero means contextstore.DefaultExtractChars.
	ExtractChars int `json:"extract_chars" yaml:"extract_chars" validate:"min=0"`

	Step    reasoning.StepConfig `json:"step" yaml:"step"`
	Context contextstore.Config  `json:"context" yaml:"context"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:                   DefaultMaxSteps,
		SelfConsistencyK:           DefaultSelfConsistencyK,
		SelfConsistencyTemperature: DefaultSelfConsistencyTemperature,
		DegradedConfidenceFactor:   DefaultDegradedConfidenceFactor,
		MaxConcurrency:             DefaultMaxConcurrency,
		WindowEntries:              DefaultWindowEntries,
		Step:                       reasoning.DefaultStepConfig(),
		Context:                    contextstore.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxSteps < 1:
		return fmt.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	case c.ExtractChars < 0:
		return fmt.Errorf("extract_chars must not be negative, got %d", c.ExtractChars)
	case c.SelfConsistencyK < 1:
		return fmt.Errorf("self_consistency_k must be at least 1, got %d", c.SelfConsistencyK)
	case c.DegradedConfidenceFactor < 0 || c.DegradedConfidenceFactor > 1:
		return fmt.Errorf("degraded_confidence_factor must be in [0,1], got %v", c.DegradedConfidenceFactor)
	case c.MaxConcurrency < 1:
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	case c.WindowEntries < 1:
		return fmt.Errorf("window_entries must be at least 1, got %d", c.WindowEntries)
	}
	return c.Context.Validate()
}
