// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cot implements linear chain-of-thought reasoning.
//
// A Reasoner drives the gateway one step at a time. Each chain keeps its
// own bounded context store, so long traces are summarized instead of
// overflowing the model's window. Four strategies are supported: zero-shot,
// few-shot, self-consistency (K independent chains and a majority vote) and
// reflection (one critique and at most one revision).
package cot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

// noFlawsMarker is the critique reply that accepts the first trace.
const noFlawsMarker = "NO FLAWS"

// Option configures a Reasoner.
type Option func(*Reasoner)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithJudge sets the consistency judge consulted once per
// self-consistency vote. The default is reasoning.AgreementJudge.
func WithJudge(j reasoning.ConsistencyJudge) Option {
	return func(r *Reasoner) {
		if j != nil {
			r.judge = j
		}
	}
}

// Reasoner runs chain-of-thought strategies against a gateway.
//
// Thread Safety: Safe for concurrent use. Every Reason call owns its
// context stores.
type Reasoner struct {
	gateway llm.Gateway
	steps   *reasoning.StepGenerator
	judge   reasoning.ConsistencyJudge
	config  Config
	logger  *slog.Logger
}

// NewReasoner creates a Reasoner.
//
// Outputs:
//   - *Reasoner: Ready to use.
//   - error: Non-nil if gateway is nil or config is invalid.
func NewReasoner(gateway llm.Gateway, config Config, opts ...Option) (*Reasoner, error) {
	if gateway == nil {
		return nil, errors.New("cot: gateway must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("cot: %w", err)
	}
	r := &Reasoner{
		gateway: gateway,
		steps:   reasoning.NewStepGenerator(gateway, config.Step),
		judge:   reasoning.AgreementJudge{},
		config:  config,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the reasoner configuration.
func (r *Reasoner) Config() Config {
	return r.config
}

// Reason answers req.Question with the requested strategy.
//
// # Description
//
// Every returned Result has exactly one final step. When a chain runs out
// of steps without declaring an answer, its last step is promoted to final
// with reduced confidence and Result.Degraded is set; the error is nil in
// that case.
//
// # Outputs
//
//   - *Result: The outcome. Nil when error is non-nil.
//   - error: reasoning.ErrInvalidRequest for malformed requests,
//     *reasoning.GenerationError when the gateway fails on a step (or on
//     every self-consistency branch, or permanently during reflection).
func (r *Reasoner) Reason(ctx context.Context, req Request) (*Result, error) {
	req, err := r.normalize(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := startReasonSpan(ctx, req.Strategy, req.MaxSteps)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, r.logger).With(slog.String("strategy", string(req.Strategy)))

	var res *Result
	switch req.Strategy {
	case ZeroShot, FewShot:
		res, err = r.single(ctx, req, span)
	case SelfConsistency:
		res, err = r.selfConsistency(ctx, req, logger)
	case Reflection:
		res, err = r.reflection(ctx, req, span, logger)
	default:
		err = fmt.Errorf("%w: %w: %q", reasoning.ErrInvalidRequest, reasoning.ErrUnknownStrategy, req.Strategy)
	}

	duration := time.Since(start)
	if err != nil {
		telemetry.RecordError(span, err)
		recordRunMetrics(ctx, req.Strategy, "error", duration, 0, tokensSpent(err))
		logger.Warn("chain-of-thought run failed", slog.String("error", err.Error()))
		return nil, err
	}

	res.ID = uuid.NewString()
	res.Question = req.Question
	res.Strategy = req.Strategy
	res.CreatedAt = start.UTC()
	res.Duration = duration

	outcome := "ok"
	if res.Degraded {
		outcome = "degraded"
	}
	setReasonSpanResult(span, res)
	telemetry.SetSpanOK(span)
	recordRunMetrics(ctx, req.Strategy, outcome, duration, len(res.Steps), res.TotalTokens)
	logger.Info("chain-of-thought run complete",
		slog.String("result_id", res.ID),
		slog.Int("steps", len(res.Steps)),
		slog.Int("total_tokens", res.TotalTokens),
		slog.Bool("degraded", res.Degraded),
		slog.Duration("duration", duration),
	)
	return res, nil
}

func (r *Reasoner) normalize(req Request) (Request, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, reasoning.InvalidRequestf("question must not be empty")
	}
	st, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return req, err
	}
	req.Strategy = st
	if req.MaxSteps < 0 {
		return req, reasoning.InvalidRequestf("max steps must not be negative, got %d", req.MaxSteps)
	}
	if req.MaxSteps == 0 {
		req.MaxSteps = r.config.MaxSteps
	}
	if req.Strategy == FewShot && len(req.Examples) == 0 {
		return req, reasoning.InvalidRequestf("few-shot reasoning needs at least one example")
	}
	for i, ex := range req.Examples {
		if strings.TrimSpace(ex.Question) == "" || strings.TrimSpace(ex.Answer) == "" {
			return req, reasoning.InvalidRequestf("example %d needs a question and an answer", i+1)
		}
	}
	return req, nil
}

// chain is the outcome of one linear trace.
type chain struct {
	steps      []Step
	answer     string
	confidence float64
	tokens     int
	degraded   bool
}

func (c *chain) branch(index int) Branch {
	return Branch{
		Index:       index,
		Steps:       c.steps,
		FinalAnswer: c.answer,
		Confidence:  c.confidence,
		TokensUsed:  c.tokens,
		Degraded:    c.degraded,
	}
}

func (c *chain) result() *Result {
	return &Result{
		Steps:       c.steps,
		FinalAnswer: c.answer,
		Confidence:  c.confidence,
		TotalTokens: c.tokens,
		Degraded:    c.degraded,
	}
}

func (r *Reasoner) single(ctx context.Context, req Request, span trace.Span) (*Result, error) {
	c, err := r.runChain(ctx, req, seedEntries(req), nil, span)
	if err != nil {
		return nil, err
	}
	return c.result(), nil
}

// seedEntries builds the initial context of a chain.
func seedEntries(req Request) []contextstore.Entry {
	var seed []contextstore.Entry
	if req.Context != "" {
		seed = append(seed, contextstore.Entry{Role: contextstore.RoleSystem, Content: "Background:\n" + req.Context})
	}
	if req.Strategy == FewShot {
		seed = append(seed, contextstore.Entry{Role: contextstore.RoleSystem, Content: renderExamples(req.Examples)})
	}
	seed = append(seed, contextstore.Entry{Role: contextstore.RoleUser, Content: req.Question})
	return seed
}

func renderExamples(examples []Example) string {
	var sb strings.Builder
	sb.WriteString("Worked examples:")
	for i, ex := range examples {
		fmt.Fprintf(&sb, "\n\nExample %d\nQuestion: %s", i+1, ex.Question)
		if ex.Reasoning != "" {
			fmt.Fprintf(&sb, "\nReasoning: %s", ex.Reasoning)
		}
		fmt.Fprintf(&sb, "\nFinal Answer: %s", ex.Answer)
	}
	return sb.String()
}

// runChain generates steps until one is final or MaxSteps is reached.
//
// Each chain owns a context store. Its compression is extractive, so a
// chain makes at most MaxSteps gateway calls.
func (r *Reasoner) runChain(ctx context.Context, req Request, seed []contextstore.Entry, temperature *float32, span trace.Span) (*chain, error) {
	store, err := contextstore.New(r.config.Context,
		contextstore.WithSummarizer(contextstore.NewExtractiveSummarizer(r.config.ExtractChars)),
		contextstore.WithLogger(r.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating context store: %w", err)
	}
	for _, e := range seed {
		if _, err := store.Append(ctx, e); err != nil {
			return nil, fmt.Errorf("%w: seeding context: %w", reasoning.ErrInvalidRequest, err)
		}
	}

	c := &chain{}
	for n := 1; n <= req.MaxSteps; n++ {
		th, err := r.steps.Generate(ctx, reasoning.StepRequest{
			Mode:         reasoning.ModeChain,
			Question:     req.Question,
			Transcript:   contextstore.Render(store.Window(r.config.WindowEntries)),
			StepNumber:   n,
			MaxSteps:     req.MaxSteps,
			MustConclude: n == req.MaxSteps,
			Temperature:  temperature,
		})
		if err != nil {
			return nil, &reasoning.GenerationError{
				Strategy:    string(req.Strategy),
				Step:        n,
				TokensSpent: c.tokens,
				Err:         err,
			}
		}
		c.tokens += th.TokensUsed
		if th.IsFinal && th.Answer == "" {
			th.Answer = th.Text
		}

		step := Step{
			StepNumber: n,
			Thought:    th.Text,
			IsFinal:    th.IsFinal,
			Answer:     th.Answer,
			Confidence: th.Confidence,
			TokensUsed: th.TokensUsed,
		}
		c.steps = append(c.steps, step)
		if span != nil {
			addStepEvent(span, step)
		}
		if step.IsFinal {
			c.answer = step.Answer
			c.confidence = step.Confidence
			break
		}

		if _, err := store.Append(ctx, contextstore.Entry{
			Role:    contextstore.RoleAssistant,
			Content: fmt.Sprintf("Step %d: %s", n, th.Text),
		}); err != nil {
			r.logger.Warn("step left out of context", slog.Int("step", n), slog.String("error", err.Error()))
		}
	}

	if !lastFinal(c.steps) {
		last := &c.steps[len(c.steps)-1]
		last.IsFinal = true
		last.Confidence *= r.config.DegradedConfidenceFactor
		if last.Answer == "" {
			last.Answer = last.Thought
		}
		c.answer = last.Answer
		c.confidence = last.Confidence
		c.degraded = true
	}
	return c, nil
}

func lastFinal(steps []Step) bool {
	return len(steps) > 0 && steps[len(steps)-1].IsFinal
}

// selfConsistency runs K zero-shot chains concurrently and votes.
func (r *Reasoner) selfConsistency(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	k := r.config.SelfConsistencyK
	chains := make([]*chain, k)
	errs := make([]error, k)
	temp := r.config.SelfConsistencyTemperature
	seed := seedEntries(req)

	// Branch failures are absorbed, so no goroutine returns an error and the
	// group never cancels its siblings.
	g := new(errgroup.Group)
	g.SetLimit(r.config.MaxConcurrency)
	for i := 0; i < k; i++ {
		g.Go(func() error {
			chains[i], errs[i] = r.runChain(ctx, req, seed, &temp, nil)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Branches: make([]Branch, k)}
	var failures []error
	var answers []string
	for i := 0; i < k; i++ {
		if errs[i] != nil {
			failures = append(failures, fmt.Errorf("branch %d: %w", i+1, errs[i]))
			res.TotalTokens += tokensSpent(errs[i])
			res.Branches[i] = Branch{Index: i + 1, Error: errs[i].Error(), TokensUsed: tokensSpent(errs[i])}
			recordBranchFailure(ctx)
			logger.Warn("self-consistency branch failed", slog.Int("branch", i+1), slog.String("error", errs[i].Error()))
			continue
		}
		res.TotalTokens += chains[i].tokens
		res.Branches[i] = chains[i].branch(i + 1)
		answers = append(answers, chains[i].answer)
	}

	if len(answers) == 0 {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
		}
		return nil, &reasoning.GenerationError{
			Strategy:    string(SelfConsistency),
			TokensSpent: res.TotalTokens,
			Err:         errors.Join(failures...),
		}
	}

	winner := vote(chains)
	rep := chains[winner.first]
	res.Steps = rep.steps
	res.FinalAnswer = rep.answer
	res.Degraded = rep.degraded
	res.Confidence = winner.meanConfidence * float64(winner.count) / float64(len(answers))

	judgment, err := r.judge.Judge(ctx, req.Question, answers)
	if err != nil {
		logger.Warn("consistency judge failed", slog.String("error", err.Error()))
	} else {
		res.TotalTokens += judgment.TokensUsed
		res.Consistency = &judgment
	}
	return res, nil
}

// tally is one group of equal normalized answers.
type tally struct {
	count          int
	meanConfidence float64
	first          int
}

// vote groups successful chains by normalized answer. The largest group
// wins; ties go to the higher mean confidence, then the earliest branch.
func vote(chains []*chain) tally {
	groups := make(map[string]*tally)
	var order []string
	for i, c := range chains {
		if c == nil {
			continue
		}
		key := reasoning.NormalizeAnswer(c.answer)
		t, ok := groups[key]
		if !ok {
			t = &tally{first: i}
			groups[key] = t
			order = append(order, key)
		}
		t.meanConfidence = (t.meanConfidence*float64(t.count) + c.confidence) / float64(t.count+1)
		t.count++
	}

	best := groups[order[0]]
	for _, key := range order[1:] {
		t := groups[key]
		switch {
		case t.count > best.count:
			best = t
		case t.count == best.count && t.meanConfidence > best.meanConfidence:
			best = t
		}
	}
	return *best
}

// reflection runs one chain, asks for a critique and reruns at most once.
// A transient failure after the first chain keeps the first trace as a
// degraded result; a permanent provider failure is returned.
func (r *Reasoner) reflection(ctx context.Context, req Request, span trace.Span, logger *slog.Logger) (*Result, error) {
	seed := seedEntries(req)
	first, err := r.runChain(ctx, req, seed, nil, span)
	if err != nil {
		return nil, err
	}
	res := first.result()
	res.Branches = []Branch{first.branch(1)}

	gen, err := r.gateway.Generate(ctx, critiquePrompt(req.Question, first),
		llm.GenerationParams{}.WithTemperature(0.2).WithMaxTokens(r.config.Step.MaxTokens))
	if err != nil {
		if llm.IsPermanent(err) {
			return nil, &reasoning.GenerationError{
				Strategy:    string(req.Strategy),
				TokensSpent: res.TotalTokens,
				Err:         fmt.Errorf("critique: %w", err),
			}
		}
		logger.Warn("critique failed, keeping first trace", slog.String("error", err.Error()))
		res.Degraded = true
		return res, nil
	}
	res.TotalTokens += gen.TokenCount
	critique := strings.TrimSpace(gen.Text)
	res.Critique = critique
	if critique == "" || strings.Contains(strings.ToUpper(critique), noFlawsMarker) {
		return res, nil
	}

	revisedSeed := append(append([]contextstore.Entry{}, seed...),
		contextstore.Entry{Role: contextstore.RoleAssistant, Content: "Previous attempt answered: " + first.answer},
		contextstore.Entry{Role: contextstore.RoleUser, Content: "A reviewer found a problem with the previous attempt:\n" + critique + "\nReason again from the start, avoiding it."},
	)
	second, err := r.runChain(ctx, req, revisedSeed, nil, span)
	if err != nil {
		var ge *reasoning.GenerationError
		if errors.As(err, &ge) && llm.IsPermanent(err) {
			ge.TokensSpent += res.TotalTokens
			return nil, ge
		}
		logger.Warn("revision failed, keeping first trace", slog.String("error", err.Error()))
		res.TotalTokens += tokensSpent(err)
		res.Degraded = true
		return res, nil
	}

	revised := second.result()
	revised.TotalTokens += res.TotalTokens
	revised.Critique = critique
	revised.Revised = true
	revised.Branches = append(res.Branches, second.branch(2))
	return revised, nil
}

func critiquePrompt(question string, c *chain) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the following reasoning for mistakes.\n\nQuestion: %s\n\nReasoning:\n", question)
	for _, s := range c.steps {
		fmt.Fprintf(&sb, "Step %d: %s\n", s.StepNumber, s.Thought)
	}
	fmt.Fprintf(&sb, "\nProposed answer: %s\n\n", c.answer)
	fmt.Fprintf(&sb, "If the reasoning and answer are correct, reply exactly %q. Otherwise describe the flaw in one or two sentences.", noFlawsMarker)
	return sb.String()
}

// tokensSpent extracts the tokens a failed run consumed.
func tokensSpent(err error) int {
	var ge *reasoning.GenerationError
	if errors.As(err, &ge) {
		return ge.TokensSpent
	}
	return 0
}
