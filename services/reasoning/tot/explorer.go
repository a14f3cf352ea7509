// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tot implements tree-of-thoughts search.
//
// An Explorer grows a ThoughtTree from the question at its root. Every
// strategy shares one expansion primitive: BranchingFactor candidate
// thoughts are generated concurrently from the root-to-node path, each is
// scored once by the evaluator, and the survivors are inserted as children
// in candidate order. Children at the depth limit are terminal; children
// scoring below the prune threshold are pruned.
package tot

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

// Option configures an Explorer.
type Option func(*Explorer)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Explorer) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEvaluator replaces the gateway-backed evaluator.
func WithEvaluator(ev reasoning.Evaluator) Option {
	return func(e *Explorer) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// Explorer runs tree-of-thoughts searches.
//
// Thread Safety: Safe for concurrent use. Every Explore call owns its tree.
type Explorer struct {
	steps     *reasoning.StepGenerator
	evaluator reasoning.Evaluator
	config    Config
	logger    *slog.Logger
}

// NewExplorer creates an Explorer. Candidates are scored by a
// reasoning.LLMEvaluator on the same gateway unless WithEvaluator is given.
func NewExplorer(gateway llm.Gateway, config Config, opts ...Option) (*Explorer, error) {
	if gateway == nil {
		return nil, errors.New("tot: gateway must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("tot: %w", err)
	}
	e := &Explorer{
		steps:     reasoning.NewStepGenerator(gateway, config.Step),
		evaluator: reasoning.NewLLMEvaluator(gateway),
		config:    config,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the explorer configuration.
func (e *Explorer) Config() Config {
	return e.config
}

// Explore searches for the best reasoning path to req.Question.
//
// # Description
//
// The best path is the root-to-terminal path with the highest cumulative
// score; ties prefer the shorter path, then the older leaf. When the search
// ends without a terminal node the best leaf path is returned with
// Result.Degraded set and a nil error.
//
// # Outputs
//
//   - *Result: The explored tree and best path. Nil when error is non-nil.
//   - error: reasoning.ErrInvalidRequest for malformed requests,
//     *reasoning.ExplorationError when every root candidate failed or the
//     context was cancelled.
func (e *Explorer) Explore(ctx context.Context, req Request) (*Result, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := startExploreSpan(ctx, req.Strategy, req.MaxDepth, req.BranchingFactor)
	defer span.End()

	r := &run{
		explorer: e,
		req:      req,
		tree:     NewThoughtTree(req.Question),
		logger:   telemetry.LoggerWithTrace(ctx, e.logger).With(slog.String("strategy", string(req.Strategy))),
	}

	switch req.Strategy {
	case BreadthFirst:
		err = r.breadthFirst(ctx)
	case DepthFirst:
		err = r.depthFirst(ctx, RootID)
	case BestFirst:
		err = r.bestFirst(ctx)
	case BeamSearch:
		err = r.beam(ctx)
	default:
		err = fmt.Errorf("%w: %w: %q", reasoning.ErrInvalidRequest, reasoning.ErrUnknownStrategy, req.Strategy)
	}
	if err == nil && r.stop == "" {
		r.stop = StopExhausted
	}

	var res *Result
	if err == nil {
		res, err = r.result()
	}
	duration := time.Since(start)
	if err != nil {
		telemetry.RecordError(span, err)
		recordExploreMetrics(ctx, req.Strategy, "error", duration, r.tokens)
		r.logger.Warn("tree-of-thoughts exploration failed", slog.String("error", err.Error()))
		return nil, err
	}

	res.ID = uuid.NewString()
	res.CreatedAt = start.UTC()
	res.Duration = duration

	outcome := "ok"
	if res.Degraded {
		outcome = "degraded"
	}
	setExploreSpanResult(span, res)
	telemetry.SetSpanOK(span)
	recordExploreMetrics(ctx, req.Strategy, outcome, duration, res.TotalTokens)
	r.logger.Info("tree-of-thoughts exploration complete",
		slog.String("result_id", res.ID),
		slog.Int("nodes", res.Tree.Len()),
		slog.Int("expansions", res.Expansions),
		slog.Float64("total_score", res.TotalScore),
		slog.String("stop_reason", res.StopReason),
		slog.Bool("degraded", res.Degraded),
	)
	return res, nil
}

func (e *Explorer) normalize(req Request) (Request, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, reasoning.InvalidRequestf("question must not be empty")
	}
	st, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return req, err
	}
	req.Strategy = st

	for _, f := range []struct {
		name  string
		value *int
		def   int
	}{
		{"max depth", &req.MaxDepth, e.config.MaxDepth},
		{"branching factor", &req.BranchingFactor, e.config.BranchingFactor},
		{"beam width", &req.BeamWidth, e.config.BeamWidth},
	} {
		if *f.value < 0 {
			return req, reasoning.InvalidRequestf("%s must not be negative, got %d", f.name, *f.value)
		}
		if *f.value == 0 {
			*f.value = f.def
		}
	}
	return req, nil
}

// run is the state of one exploration. It is owned by one goroutine; only
// candidate generation inside expand fans out.
type run struct {
	explorer *Explorer
	req      Request
	tree     *ThoughtTree
	logger   *slog.Logger

	tokens     int
	expansions int
	failures   int
	stop       string
}

// candidate is one concurrently generated child before insertion.
type candidate struct {
	thought reasoning.Thought
	eval    reasoning.Evaluation
	err     error
}

// expand generates and scores BranchingFactor candidates under nodeID and
// inserts the ones that succeeded. It sets r.stop when the node ceiling is
// reached.
func (r *run) expand(ctx context.Context, nodeID string) ([]ThoughtNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, r.explorationError("cancelled", err)
	}
	cfg := r.explorer.config

	n := r.req.BranchingFactor
	if cfg.MaxNodes > 0 {
		remaining := cfg.MaxNodes - (r.tree.Len() - 1)
		if remaining <= 0 {
			r.stop = StopNodeLimit
			return nil, nil
		}
		n = min(n, remaining)
	}

	path, err := r.tree.Path(nodeID)
	if err != nil {
		return nil, err
	}
	depth := path[len(path)-1].Depth + 1
	transcript := renderPath(path)

	ctx, span := startExpandSpan(ctx, nodeID, depth)
	defer span.End()

	cands := make([]candidate, n)
	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxConcurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			th, err := r.explorer.steps.Generate(ctx, reasoning.StepRequest{
				Mode:         reasoning.ModeBranch,
				Question:     r.req.Question,
				Transcript:   transcript,
				StepNumber:   depth,
				MaxSteps:     r.req.MaxDepth,
				MustConclude: depth >= r.req.MaxDepth,
			})
			if err != nil {
				cands[i].err = fmt.Errorf("generating candidate %d: %w", i+1, err)
				return nil
			}
			cands[i].thought = th
			ev, err := r.explorer.evaluator.Score(ctx, r.req.Question, candidateText(transcript, th.Text))
			cands[i].eval = ev
			if err != nil {
				cands[i].err = fmt.Errorf("scoring candidate %d: %w", i+1, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.expansions++

	var children []ThoughtNode
	var errs []error
	for _, c := range cands {
		r.tokens += c.thought.TokensUsed + c.eval.TokensUsed
		if c.err != nil {
			r.failures++
			errs = append(errs, c.err)
			recordCandidateFailure(ctx)
			r.logger.Debug("candidate discarded", slog.String("parent", nodeID), slog.String("error", c.err.Error()))
			continue
		}
		child, err := r.insert(nodeID, depth, c)
		if err != nil {
			return children, err
		}
		recordNodeCreated(ctx, child.State)
		children = append(children, child)
	}
	span.SetAttributes(
		attribute.Int("tot.children", len(children)),
		attribute.Int("tot.failures", len(errs)),
	)

	if nodeID == RootID && len(children) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, r.explorationError("cancelled", err)
		}
		return nil, r.explorationError("every root candidate failed", errors.Join(errs...))
	}
	return children, nil
}

// insert adds a scored candidate and applies the state rules: terminal at
// the depth limit, pruned below the threshold, otherwise active.
func (r *run) insert(parentID string, depth int, c candidate) (ThoughtNode, error) {
	child, err := r.tree.AddChild(parentID, c.thought.Text, c.thought.Answer, c.thought.TokensUsed)
	if err != nil {
		return ThoughtNode{}, err
	}
	if err := r.tree.SetScore(child.ID, c.eval); err != nil {
		return ThoughtNode{}, err
	}
	switch {
	case depth >= r.req.MaxDepth:
		err = r.tree.MarkTerminal(child.ID)
	case reasoning.ClampScore(c.eval.Value) < r.explorer.config.PruneThreshold:
		err = r.tree.MarkPruned(child.ID)
	}
	if err != nil {
		return ThoughtNode{}, err
	}
	child, _ = r.tree.Node(child.ID)
	return child, nil
}

func (r *run) explorationError(reason string, err error) error {
	return &reasoning.ExplorationError{
		Strategy:    string(r.req.Strategy),
		Reason:      reason,
		TokensSpent: r.tokens,
		Err:         err,
	}
}

func (r *run) succeeded(n ThoughtNode) bool {
	return n.State == NodeTerminal && n.Score > r.explorer.config.SuccessThreshold
}

// breadthFirst expands every active node of a level before the next.
func (r *run) breadthFirst(ctx context.Context) error {
	frontier := []string{RootID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := r.expand(ctx, id)
			if err != nil {
				return err
			}
			if r.stop != "" {
				return nil
			}
			for _, c := range children {
				if c.State == NodeActive {
					next = append(next, c.ID)
				}
			}
		}
		frontier = next
	}
	return nil
}

// depthFirst follows the highest scoring child first and stops at the
// first terminal node that meets the success threshold.
func (r *run) depthFirst(ctx context.Context, id string) error {
	children, err := r.expand(ctx, id)
	if err != nil {
		return err
	}
	sortByScore(children)
	for _, c := range children {
		if r.stop != "" {
			return nil
		}
		switch {
		case r.succeeded(c):
			r.stop = StopSuccess
			return nil
		case c.State == NodeActive:
			if err := r.depthFirst(ctx, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// bestFirst always expands the best active node: highest score, then
// shallower, then older. It stops once an expansion reaches the depth
// limit, or earlier on a terminal child that passes the success threshold.
func (r *run) bestFirst(ctx context.Context) error {
	frontier := &nodeHeap{}
	heap.Push(frontier, r.tree.Root())
	for frontier.Len() > 0 {
		next := heap.Pop(frontier).(ThoughtNode)
		children, err := r.expand(ctx, next.ID)
		if err != nil {
			return err
		}
		if r.stop != "" {
			return nil
		}
		reachedDepth := false
		for _, c := range children {
			if r.succeeded(c) {
				r.stop = StopSuccess
				return nil
			}
			switch c.State {
			case NodeTerminal:
				reachedDepth = true
			case NodeActive:
				heap.Push(frontier, c)
			}
		}
		if reachedDepth {
			r.stop = StopMaxDepth
			return nil
		}
	}
	return nil
}

// beam expands the whole beam each level, keeps the best BeamWidth active
// children and prunes the rest.
func (r *run) beam(ctx context.Context) error {
	frontier := []string{RootID}
	for len(frontier) > 0 {
		var level []ThoughtNode
		for _, id := range frontier {
			children, err := r.expand(ctx, id)
			if err != nil {
				return err
			}
			if r.stop != "" {
				return nil
			}
			for _, c := range children {
				if c.State == NodeActive {
					level = append(level, c)
				}
			}
		}

		sortByScore(level)
		keep := min(r.req.BeamWidth, len(level))
		frontier = frontier[:0]
		for i, c := range level {
			if i < keep {
				frontier = append(frontier, c.ID)
				continue
			}
			if err := r.tree.MarkPruned(c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// result picks the best path.
func (r *run) result() (*Result, error) {
	candidates := make([]ThoughtNode, 0)
	for _, n := range r.tree.Nodes() {
		if n.State == NodeTerminal {
			candidates = append(candidates, n)
		}
	}
	degraded := false
	if len(candidates) == 0 {
		candidates = r.tree.Leaves()
		degraded = true
	}
	if len(candidates) == 0 {
		return nil, r.explorationError("no thoughts were generated", nil)
	}

	var best []ThoughtNode
	bestScore := 0.0
	for _, leaf := range candidates {
		path, err := r.tree.Path(leaf.ID)
		if err != nil {
			return nil, err
		}
		score := pathScore(path)
		if best == nil || betterPath(score, path, bestScore, best) {
			best, bestScore = path, score
		}
	}

	leaf := best[len(best)-1]
	answer := leaf.Answer
	if answer == "" {
		answer = leaf.Thought
	}
	return &Result{
		Question:          r.req.Question,
		Strategy:          r.req.Strategy,
		Tree:              r.tree,
		BestPath:          best,
		TotalScore:        bestScore,
		FinalAnswer:       answer,
		Degraded:          degraded,
		TotalTokens:       r.tokens,
		Expansions:        r.expansions,
		CandidateFailures: r.failures,
		StopReason:        r.stop,
	}, nil
}

// betterPath reports whether path a beats path b: higher cumulative score,
// then fewer nodes, then an older leaf.
func betterPath(scoreA float64, a []ThoughtNode, scoreB float64, b []ThoughtNode) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a[len(a)-1].Seq < b[len(b)-1].Seq
}

func pathScore(path []ThoughtNode) float64 {
	total := 0.0
	for _, n := range path {
		if n.Scored {
			total += n.Score
		}
	}
	return total
}

// sortByScore orders nodes by score descending, then creation order.
func sortByScore(nodes []ThoughtNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Score != nodes[j].Score {
			return nodes[i].Score > nodes[j].Score
		}
		return nodes[i].Seq < nodes[j].Seq
	})
}

// renderPath renders the thoughts below the root as numbered steps.
func renderPath(path []ThoughtNode) string {
	var sb strings.Builder
	for _, n := range path {
		if n.ID == RootID {
			continue
		}
		fmt.Fprintf(&sb, "Step %d: %s\n", n.Depth, n.Thought)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func candidateText(transcript, thought string) string {
	if transcript == "" {
		return thought
	}
	return transcript + "\nNext: " + thought
}

// nodeHeap is a max-heap of frontier nodes for best-first search.
type nodeHeap []ThoughtNode

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score > h[j].Score
	}
	if h[i].Depth != h[j].Depth {
		return h[i].Depth < h[j].Depth
	}
	return h[i].Seq < h[j].Seq
}

func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *nodeHeap) Push(x any) { *h = append(*h, x.(ThoughtNode)) }

func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
