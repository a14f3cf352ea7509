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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/reasoning/cot"
	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
	"github.com/AleutianAI/AleutianReason/services/reasoning/tot"
)

var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorTealDim = lipgloss.Color("#20B9B4")
	colorSlate   = lipgloss.Color("#2C4A54")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")

	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorTeal)
	styleLabel   = lipgloss.NewStyle().Foreground(colorTealDim)
	styleMuted   = lipgloss.NewStyle().Foreground(colorSlate)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleAnswer  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorTeal).
			Padding(0, 1)
)

// renderer writes command output, styled only on a terminal.
type renderer struct {
	w     io.Writer
	color bool
	json  bool
}

func newRenderer(w io.Writer, jsonOut bool) *renderer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &renderer{w: w, color: color && !jsonOut, json: jsonOut}
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

func (r *renderer) line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *renderer) field(label string, value any) {
	r.line("%s %v", r.style(styleLabel, label+":"), value)
}

func (r *renderer) writeJSON(v any) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *renderer) answer(text string) {
	if r.color {
		r.line("%s", styleAnswer.Render(text))
		return
	}
	r.field("Final answer", text)
}

func (r *renderer) degraded(reason string) {
	r.line("%s", r.style(styleWarning, "⚠ degraded: "+reason))
}

func (r *renderer) cotResult(res *cot.Result) error {
	if r.json {
		return r.writeJSON(res)
	}
	r.line("%s", r.style(styleTitle, fmt.Sprintf("Chain of thought (%s)", res.Strategy)))
	for _, s := range res.Steps {
		marker := "→"
		if s.IsFinal {
			marker = "✓"
		}
		r.line("  %s Step %d %s", marker, s.StepNumber, r.style(styleMuted, fmt.Sprintf("(confidence %.2f)", s.Confidence)))
		for _, l := range strings.Split(strings.TrimSpace(s.Thought), "\n") {
			r.line("      %s", l)
		}
	}
	if len(res.Branches) > 0 && res.Strategy == cot.SelfConsistency {
		r.line("%s", r.style(styleTitle, "Branches"))
		for _, b := range res.Branches {
			if b.Error != "" {
				r.line("  ✗ #%d %s", b.Index, r.style(styleError, b.Error))
				continue
			}
			r.line("  • #%d %s %s", b.Index, b.FinalAnswer, r.style(styleMuted, fmt.Sprintf("(confidence %.2f)", b.Confidence)))
		}
		if res.Consistency != nil {
			r.field("Agreement", fmt.Sprintf("%.2f", res.Consistency.Agreement))
		}
	}
	if res.Critique != "" {
		r.field("Critique", res.Critique)
		r.field("Revised", res.Revised)
	}
	r.answer(res.FinalAnswer)
	r.field("Confidence", fmt.Sprintf("%.2f", res.Confidence))
	r.field("Tokens", res.TotalTokens)
	if res.Degraded {
		r.degraded("no clean conclusion within the step budget")
	}
	return nil
}

func (r *renderer) totResult(res *tot.Result, showTree bool) error {
	if r.json {
		return r.writeJSON(res)
	}
	r.line("%s", r.style(styleTitle, fmt.Sprintf("Tree of thoughts (%s)", res.Strategy)))
	if showTree {
		ids := make([]string, len(res.BestPath))
		for i, n := range res.BestPath {
			ids[i] = n.ID
		}
		r.line("%s", res.Tree.Format(ids...))
	}
	r.line("%s", r.style(styleTitle, "Best path"))
	for _, n := range res.BestPath {
		if n.ID == tot.RootID {
			continue
		}
		r.line("  → [%s] %s %s", n.ID, firstLine(n.Thought), r.style(styleMuted, fmt.Sprintf("(score %.1f)", n.Score)))
	}
	r.answer(res.FinalAnswer)
	r.field("Total score", fmt.Sprintf("%.2f", res.TotalScore))
	stats := res.Tree.Stats()
	r.field("Nodes", fmt.Sprintf("%d (terminal %d, pruned %d)", stats.Total, stats.Terminal, stats.Pruned))
	r.field("Stop reason", res.StopReason)
	r.field("Tokens", res.TotalTokens)
	if res.Degraded {
		r.degraded("no terminal node reached, best leaf returned")
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (r *renderer) entries(id string, entries []contextstore.Entry) error {
	if r.json {
		return r.writeJSON(map[string]any{"session_id": id, "entries": entries})
	}
	total := 0
	for _, e := range entries {
		total += e.TokenCount
		r.line("%s %s %s",
			r.style(styleMuted, fmt.Sprintf("#%d", e.SequenceID)),
			r.style(styleLabel, "["+string(e.Role)+"]"),
			e.Content,
		)
	}
	r.field("Entries", len(entries))
	r.field("Tokens", total)
	return nil
}

func (r *renderer) entry(id string, e contextstore.Entry) error {
	if r.json {
		return r.writeJSON(e)
	}
	r.line("✓ added entry #%d to %s (%d tokens)", e.SequenceID, id, e.TokenCount)
	return nil
}

func (r *renderer) compression(rep contextstore.CompressionReport) error {
	if r.json {
		return r.writeJSON(rep)
	}
	if !rep.Performed {
		r.line("nothing to compress (%d entries, %d tokens)", rep.EntriesBefore, rep.TokensBefore)
		return nil
	}
	r.line("✓ folded %d entries: %d → %d tokens", rep.FoldedEntries, rep.TokensBefore, rep.TokensAfter)
	if rep.Truncated {
		r.degraded("summary truncated to fit the ceiling")
	}
	return nil
}

func (r *renderer) validation(rep contextstore.ValidationReport) error {
	if r.json {
		return r.writeJSON(rep)
	}
	if rep.Valid {
		r.line("%s", r.style(styleTitle, "✓ valid"))
	} else {
		r.line("%s", r.style(styleError, "✗ invalid"))
	}
	r.field("Entries", rep.EntryCount)
	r.field("Tokens", fmt.Sprintf("%d / %d", rep.StoredTotal, rep.Ceiling))
	for _, issue := range rep.Issues {
		r.line("  • %s", issue)
	}
	return nil
}

func (r *renderer) sessions(list []session.Summary) error {
	if r.json {
		if list == nil {
			list = []session.Summary{}
		}
		return r.writeJSON(list)
	}
	if len(list) == 0 {
		r.line("no sessions")
		return nil
	}
	for _, s := range list {
		r.line("%s  %d entries  %d tokens  %s", s.ID, s.EntryCount, s.TotalTokens,
			r.style(styleMuted, s.UpdatedAt.Format("2006-01-02 15:04:05")))
	}
	return nil
}
