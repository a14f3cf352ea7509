// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tot

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianReason/services/reasoning"
)

// Strategy is a search strategy tag.
type Strategy string

const (
	BreadthFirst Strategy = "breadth_first"
	DepthFirst   Strategy = "depth_first"
	BestFirst    Strategy = "best_first"
	BeamSearch   Strategy = "beam_search"
)

// Strategies lists every strategy in a stable order.
func Strategies() []Strategy {
	return []Strategy{BreadthFirst, DepthFirst, BestFirst, BeamSearch}
}

var strategyAliases = map[string]Strategy{
	"bfs":  BreadthFirst,
	"dfs":  DepthFirst,
	"best": BestFirst,
	"beam": BeamSearch,
}

// ParseStrategy accepts tags in any case with "-" or "_" and the short
// forms bfs, dfs, best and beam. An empty string yields BreadthFirst.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if norm == "" {
		return BreadthFirst, nil
	}
	if st, ok := strategyAliases[norm]; ok {
		return st, nil
	}
	for _, st := range Strategies() {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %w: tree-of-thoughts %q", reasoning.ErrInvalidRequest, reasoning.ErrUnknownStrategy, s)
}

// Request is the input to Explore. Zero numeric fields use the configured
// defaults.
type Request struct {
	Question        string   `json:"question" validate:"required"`
	Strategy        Strategy `json:"strategy"`
	MaxDepth        int      `json:"max_depth,omitempty" validate:"min=0"`
	BranchingFactor int      `json:"branching_factor,omitempty" validate:"min=0"`
	BeamWidth       int      `json:"beam_width,omitempty" validate:"min=0"`
}

// Stop reasons reported on Result.
const (
	StopExhausted = "exhausted"
	StopSuccess   = "success"
	StopNodeLimit = "node_limit"
	StopMaxDepth  = "max_depth"
)

// Result is the outcome of one Explore call.
type Result struct {
	ID       string       `json:"id"`
	Question string       `json:"question"`
	Strategy Strategy     `json:"strategy"`
	Tree     *ThoughtTree `json:"tree"`

	// BestPath runs from the root to the chosen leaf.
	BestPath    []ThoughtNode `json:"best_path"`
	TotalScore  float64       `json:"total_score"`
	FinalAnswer string        `json:"final_answer"`

	// Degraded is set when no terminal node exists and the best leaf path
	// was returned instead.
	Degraded bool `json:"degraded"`

	TotalTokens       int    `json:"total_tokens"`
	Expansions        int    `json:"expansions"`
	CandidateFailures int    `json:"candidate_failures"`
	StopReason        string `json:"stop_reason"`

	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
}

// Default explorer settings.
const (
	DefaultMaxDepth         = 3
	DefaultBranchingFactor  = 3
	DefaultBeamWidth        = 2
	DefaultPruneThreshold   = 3.0
	DefaultSuccessThreshold = 8.0
	DefaultMaxConcurrency   = 4
)

// Config configures an Explorer.
type Config struct {
	MaxDepth        int `json:"max_depth" yaml:"max_depth" validate:"min=1"`
	BranchingFactor int `json:"branching_factor" yaml:"branching_factor" validate:"min=1"`
	BeamWidth       int `json:"beam_width" yaml:"beam_width" validate:"min=1"`

	// PruneThreshold: non-terminal children scoring below it are pruned.
	PruneThreshold float64 `json:"prune_threshold" yaml:"prune_threshold" validate:"min=0,max=10"`

	// SuccessThreshold: depth-first and best-first search stop at the first
	// terminal node scoring strictly above it.
	SuccessThreshold float64 `json:"success_threshold" yaml:"success_threshold" validate:"min=0,max=10"`

	// MaxNodes caps the non-root nodes created per run. Zero is unlimited.
	MaxNodes int `json:"max_nodes" yaml:"max_nodes" validate:"min=0"`

	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" validate:"min=1"`

	Step reasoning.StepConfig `json:"step" yaml:"step"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:         DefaultMaxDepth,
		BranchingFactor:  DefaultBranchingFactor,
		BeamWidth:        DefaultBeamWidth,
		PruneThreshold:   DefaultPruneThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		MaxConcurrency:   DefaultMaxConcurrency,
		Step:             reasoning.DefaultStepConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxDepth < 1:
		return fmt.Errorf("max_depth must be at least 1, got %d", c.MaxDepth)
	case c.BranchingFactor < 1:
		return fmt.Errorf("branching_factor must be at least 1, got %d", c.BranchingFactor)
	case c.BeamWidth < 1:
		return fmt.Errorf("beam_width must be at least 1, got %d", c.BeamWidth)
	case c.PruneThreshold < reasoning.MinScore || c.PruneThreshold > reasoning.MaxScore:
		return fmt.Errorf("prune_threshold must be in [0,10], got %v", c.PruneThreshold)
	case c.SuccessThreshold < reasoning.MinScore || c.SuccessThreshold > reasoning.MaxScore:
		return fmt.Errorf("success_threshold must be in [0,10], got %v", c.SuccessThreshold)
	case c.MaxNodes < 0:
		return fmt.Errorf("max_nodes must not be negative, got %d", c.MaxNodes)
	case c.MaxConcurrency < 1:
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	return nil
}
