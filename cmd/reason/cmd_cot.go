// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReason/services/reasoning"
	"github.com/AleutianAI/AleutianReason/services/reasoning/cot"
	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
)

const exampleSeparator = "::"

// parseExample reads "question::answer" or "question::reasoning::answer".
func parseExample(raw string) (cot.Example, error) {
	parts := strings.Split(raw, exampleSeparator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch len(parts) {
	case 2:
		return cot.Example{Question: parts[0], Answer: parts[1]}, nil
	case 3:
		return cot.Example{Question: parts[0], Reasoning: parts[1], Answer: parts[2]}, nil
	}
	return cot.Example{}, reasoning.InvalidRequestf("example %q must be question::answer or question::reasoning::answer", raw)
}

func newCoTCmd(c *cli) *cobra.Command {
	var (
		strategy  string
		ctxText   string
		maxSteps  int
		examples  []string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "cot-reason <question>",
		Short: "Answer a question with chain-of-thought reasoning",
		Example: `  reason cot-reason "What is 17 * 24?"
  reason cot-reason --strategy self_consistency "Is 221 prime?"
  reason cot-reason --strategy few_shot --example "2+2::4" "3+5?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := cot.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			req := cot.Request{
				Question: strings.Join(args, " "),
				Strategy: st,
				Context:  ctxText,
				MaxSteps: maxSteps,
			}
			for _, raw := range examples {
				ex, err := parseExample(raw)
				if err != nil {
					return err
				}
				req.Examples = append(req.Examples, ex)
			}

			return c.run(func(a *app, r *renderer) error {
				ctx := cmd.Context()
				var store *session.Store
				if sessionID != "" {
					if store, err = a.sessionStore(); err != nil {
						return err
					}
					history, err := store.History(ctx, sessionID, a.cfg.Session.HistoryWindow)
					if err != nil {
						return err
					}
					if history != "" {
						req.Context = strings.TrimSpace(history + "\n\n" + req.Context)
					}
				}

				reasoner, err := a.reasoner()
				if err != nil {
					return err
				}
				res, err := reasoner.Reason(ctx, req)
				if err != nil {
					return err
				}
				if store != nil {
					if err := store.Record(ctx, session.KindCoT, sessionID, res.ID, req.Question, res.FinalAnswer, res); err != nil {
						a.logger.Warn("recording result failed", slog.String("error", err.Error()))
					}
				}
				return r.cotResult(res)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&strategy, "strategy", string(cot.ZeroShot),
		fmt.Sprintf("reasoning strategy: %s", strategyList(cot.Strategies())))
	f.StringVar(&ctxText, "context", "", "background information for the question")
	f.IntVar(&maxSteps, "max-steps", 0, "maximum reasoning steps (0 uses the configured default)")
	f.StringArrayVar(&examples, "example", nil, `worked example for few_shot: "question::answer" or "question::reasoning::answer"`)
	f.StringVar(&sessionID, "session", "", "session whose history is used as context and which records the exchange")
	return cmd
}

func strategyList[T ~string](s []T) string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return strings.Join(out, ", ")
}
