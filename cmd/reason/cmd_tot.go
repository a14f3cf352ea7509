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

	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
	"github.com/AleutianAI/AleutianReason/services/reasoning/tot"
)

func newToTCmd(c *cli) *cobra.Command {
	var (
		strategy        string
		maxDepth        int
		branchingFactor int
		beamWidth       int
		showTree        bool
		sessionID       string
	)

	cmd := &cobra.Command{
		Use:   "tot-explore <question>",
		Short: "Search for an answer with tree-of-thoughts exploration",
		Example: `  reason tot-explore "Plan a 3-step proof that sqrt(2) is irrational"
  reason tot-explore --strategy beam --beam-width 2 --max-depth 4 "Make 24 from 4 7 8 8"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := tot.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			question := strings.Join(args, " ")
			req := tot.Request{
				Question:        question,
				Strategy:        st,
				MaxDepth:        maxDepth,
				BranchingFactor: branchingFactor,
				BeamWidth:       beamWidth,
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
						req.Question = "Background:\n" + history + "\n\nQuestion: " + question
					}
				}

				explorer, err := a.explorer()
				if err != nil {
					return err
				}
				res, err := explorer.Explore(ctx, req)
				if err != nil {
					return err
				}
				if store != nil {
					if err := store.Record(ctx, session.KindToT, sessionID, res.ID, question, res.FinalAnswer, res); err != nil {
						a.logger.Warn("recording result failed", slog.String("error", err.Error()))
					}
				}
				return r.totResult(res, showTree)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&strategy, "strategy", string(tot.BreadthFirst),
		fmt.Sprintf("search strategy: %s (or bfs, dfs, best, beam)", strategyList(tot.Strategies())))
	f.IntVar(&maxDepth, "max-depth", 0, "maximum tree depth (0 uses the configured default)")
	f.IntVar(&branchingFactor, "branching-factor", 0, "candidate thoughts per expansion (0 uses the configured default)")
	f.IntVar(&beamWidth, "beam-width", 0, "nodes kept per level by beam search (0 uses the configured default)")
	f.BoolVar(&showTree, "tree", true, "print the explored tree")
	f.StringVar(&sessionID, "session", "", "session whose history is used as background and which records the exchange")
	return cmd
}
