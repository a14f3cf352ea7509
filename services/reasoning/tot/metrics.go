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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.reason.tot")
	meter  = otel.Meter("aleutian.reason.tot")
)

var (
	exploreDuration   metric.Float64Histogram
	exploreTotal      metric.Int64Counter
	nodesCreated      metric.Int64Counter
	candidateFailures metric.Int64Counter
	exploreTokens     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		exploreDuration, err = meter.Float64Histogram(
			"tot_explore_duration_seconds",
			metric.WithDescription("Duration of tree-of-thoughts explorations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		exploreTotal, err = meter.Int64Counter(
			"tot_explorations_total",
			metric.WithDescription("Total explorations by strategy and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		nodesCreated, err = meter.Int64Counter(
			"tot_nodes_created_total",
			metric.WithDescription("Thought nodes created by state"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		candidateFailures, err = meter.Int64Counter(
			"tot_candidate_failures_total",
			metric.WithDescription("Candidate thoughts discarded after a generation or scoring failure"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		exploreTokens, err = meter.Int64Counter(
			"tot_tokens_total",
			metric.WithDescription("Total tokens spent by explorations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startExploreSpan(ctx context.Context, strategy Strategy, depth, branching int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tot.Explorer.Explore",
		trace.WithAttributes(
			attribute.String("tot.strategy", string(strategy)),
			attribute.Int("tot.max_depth", depth),
			attribute.Int("tot.branching_factor", branching),
		),
	)
}

func startExpandSpan(ctx context.Context, nodeID string, depth int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tot.Explorer.expand",
		trace.WithAttributes(
			attribute.String("tot.node_id", nodeID),
			attribute.Int("tot.depth", depth),
		),
	)
}

func setExploreSpanResult(span trace.Span, res *Result) {
	stats := res.Tree.Stats()
	span.SetAttributes(
		attribute.Int("tot.nodes", stats.Total),
		attribute.Int("tot.terminal", stats.Terminal),
		attribute.Int("tot.pruned", stats.Pruned),
		attribute.Int("tot.expansions", res.Expansions),
		attribute.Float64("tot.total_score", res.TotalScore),
		attribute.Bool("tot.degraded", res.Degraded),
		attribute.String("tot.stop_reason", res.StopReason),
	)
}

func recordExploreMetrics(ctx context.Context, strategy Strategy, outcome string, duration time.Duration, tokens int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("outcome", outcome),
	)
	exploreDuration.Record(ctx, duration.Seconds(), attrs)
	exploreTotal.Add(ctx, 1, attrs)
	exploreTokens.Add(ctx, int64(tokens), attrs)
}

func recordNodeCreated(ctx context.Context, state NodeState) {
	if err := initMetrics(); err != nil {
		return
	}
	nodesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}

func recordCandidateFailure(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	candidateFailures.Add(ctx, 1)
}
