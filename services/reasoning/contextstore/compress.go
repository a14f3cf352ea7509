// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrConcurrentModification is returned when the folded prefix changed
// while the summarizer was running (a Restore raced the compression).
var ErrConcurrentModification = errors.New("context store modified during compression")

// CompressionReport describes one Compress call.
type CompressionReport struct {
	// Performed is false when there was nothing to fold.
	Performed bool `json:"performed"`

	EntriesBefore   int  `json:"entries_before"`
	EntriesAfter    int  `json:"entries_after"`
	TokensBefore    int  `json:"tokens_before"`
	TokensAfter     int  `json:"tokens_after"`
	FoldedEntries   int  `json:"folded_entries"`
	SummaryTokens   int  `json:"summary_tokens"`
	SummarizerCalls int  `json:"summarizer_calls"`
	Truncated       bool `json:"truncated"`
}

// Compress folds every entry outside the protected window into one summary.
//
// # Description
//
// The newest SlidingWindowSize entries are protected. Everything older is
// passed to summarizer and replaced by a single RoleSummary entry carrying
// the SequenceID of the last folded entry, so chronological order holds.
//
// A second call with no intervening Append is a no-op: the only entry
// outside the window is the summary itself.
//
// If summary plus protected window would exceed the ceiling, the window
// shrinks (its oldest entries are folded too) and, as a last resort, the
// summary text is truncated, so the ceiling holds after every completed
// pass. Within the ceiling, a pass whose summary is no shorter than the
// entries it replaces is dropped and the store is left as it was.
//
// # Outputs
//
//   - CompressionReport: What happened. Performed is false on a no-op.
//   - error: ErrNilSummarizer, or ErrCompressionFailed wrapping the
//     summarizer error. The store is unchanged on error.
//
// # Thread Safety
//
// Compressions are serialized. The summarizer runs without holding the
// read/write lock, so readers and Append are not blocked by the LLM call.
func (s *Store) Compress(ctx context.Context, summarizer Summarizer) (CompressionReport, error) {
	if summarizer == nil {
		return CompressionReport{}, ErrNilSummarizer
	}

	s.compressMu.Lock()
	defer s.compressMu.Unlock()

	s.mu.RLock()
	snapshot := make([]Entry, len(s.entries))
	copy(snapshot, s.entries)
	totalBefore := s.total
	s.mu.RUnlock()

	report := CompressionReport{
		EntriesBefore: len(snapshot),
		EntriesAfter:  len(snapshot),
		TokensBefore:  totalBefore,
		TokensAfter:   totalBefore,
	}

	fold := len(snapshot) - s.config.SlidingWindowSize
	overCeiling := totalBefore > s.config.Ceiling
	switch {
	case fold <= 0 && !overCeiling:
		return report, nil
	case fold <= 0:
		fold = 1
	case fold == 1 && snapshot[0].Role == RoleSummary && !overCeiling:
		return report, nil
	}
	summary, err := s.summarize(ctx, summarizer, snapshot[:fold])
	report.SummarizerCalls++
	if err != nil {
		return report, err
	}

	for {
		restTokens := sumTokens(snapshot[fold:])
		if summary.TokenCount+restTokens <= s.config.Ceiling {
			break
		}
		if len(snapshot)-fold > 1 {
			fold++
			summary, err = s.summarize(ctx, summarizer, snapshot[:fold])
			report.SummarizerCalls++
			if err != nil {
				return report, err
			}
			continue
		}
		summary.Content = s.truncateToTokens(summary.Content, s.config.Ceiling-restTokens)
		summary.TokenCount = s.countTokens(summary.Content)
		report.Truncated = true
		break
	}

	if !overCeiling {
		if folded := sumTokens(snapshot[:fold]); summary.TokenCount >= folded {
			s.logger.Debug("compression dropped, summary is no shorter",
				slog.Int("folded", fold),
				slog.Int("folded_tokens", folded),
				slog.Int("summary_tokens", summary.TokenCount),
			)
			return report, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) < fold || s.entries[fold-1].SequenceID != snapshot[fold-1].SequenceID ||
		s.entries[0].SequenceID != snapshot[0].SequenceID {
		return report, ErrConcurrentModification
	}

	next := make([]Entry, 0, len(s.entries)-fold+1)
	next = append(next, summary)
	next = append(next, s.entries[fold:]...)
	s.entries = next
	s.total = sumTokens(next)

	report.Performed = true
	report.FoldedEntries = fold
	report.SummaryTokens = summary.TokenCount
	report.EntriesAfter = len(next)
	report.TokensAfter = s.total

	s.logger.Info("context compressed",
		slog.Int("folded", fold),
		slog.Int("tokens_before", report.TokensBefore),
		slog.Int("tokens_after", report.TokensAfter),
		slog.Bool("truncated", report.Truncated),
	)
	return report, nil
}

func (s *Store) summarize(ctx context.Context, summarizer Summarizer, folded []Entry) (Entry, error) {
	summary, err := summarizer.Summarize(ctx, folded)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrCompressionFailed, err)
	}
	last := folded[len(folded)-1]
	summary.Role = RoleSummary
	summary.SequenceID = last.SequenceID
	summary.Timestamp = last.Timestamp
	summary.TokenCount = s.countTokens(summary.Content)
	return summary, nil
}

// truncateToTokens returns the longest prefix of text within budget tokens.
func (s *Store) truncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if s.countTokens(text) <= budget {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.countTokens(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

func sumTokens(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += e.TokenCount
	}
	return total
}
