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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.reason.cot")
	meter  = otel.Meter("aleutian.reason.cot")
)

var (
	runDuration    metric.Float64Histogram
	runTotal       metric.Int64Counter
	stepTotal      metric.Int64Counter
	tokenTotal     metric.Int64Counter
	branchFailures metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runDuration, err = meter.Float64Histogram(
			"cot_run_duration_seconds",
			metric.WithDescription("Duration of chain-of-thought runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"cot_runs_total",
			metric.WithDescription("Total chain-of-thought runs by strategy and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stepTotal, err = meter.Int64Counter(
			"cot_steps_total",
			metric.WithDescription("Total reasoning steps generated"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		tokenTotal, err = meter.Int64Counter(
			"cot_tokens_total",
			metric.WithDescription("Total tokens spent by chain-of-thought runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		branchFailures, err = meter.Int64Counter(
			"cot_branch_failures_total",
			metric.WithDescription("Self-consistency branches that failed and were discarded"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startReasonSpan(ctx context.Context, strategy Strategy, maxSteps int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cot.Reasoner.Reason",
		trace.WithAttributes(
			attribute.String("cot.strategy", string(strategy)),
			attribute.Int("cot.max_steps", maxSteps),
		),
	)
}

func setReasonSpanResult(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.Int("cot.steps", len(res.Steps)),
		attribute.Int("cot.total_tokens", res.TotalTokens),
		attribute.Float64("cot.confidence", res.Confidence),
		attribute.Bool("cot.degraded", res.Degraded),
		attribute.Int("cot.branches", len(res.Branches)),
	)
}

func addStepEvent(span trace.Span, step Step) {
	span.AddEvent("step", trace.WithAttributes(
		attribute.Int("step_number", step.StepNumber),
		attribute.Bool("is_final", step.IsFinal),
		attribute.Float64("confidence", step.Confidence),
		attribute.Int("tokens", step.TokensUsed),
	))
}

func recordRunMetrics(ctx context.Context, strategy Strategy, outcome string, duration time.Duration, steps, tokens int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("outcome", outcome),
	)
	runDuration.Record(ctx, duration.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
	stepTotal.Add(ctx, int64(steps), attrs)
	tokenTotal.Add(ctx, int64(tokens), attrs)
}

func recordBranchFailure(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	branchFailures.Add(ctx, 1)
}
