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
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	// DefaultSummaryChunkSize is the character size of transcript chunks
	// summarized independently before being merged.
	DefaultSummaryChunkSize = 6000

	// DefaultSummaryChunkOverlap keeps sentences that straddle a boundary.
	DefaultSummaryChunkOverlap = 200

	// DefaultSummaryMaxTokens bounds each summarization call.
	DefaultSummaryMaxTokens = 400

	// DefaultExtractChars is the lead kept from each entry by
	// ExtractiveSummarizer.
	DefaultExtractChars = 160
)

var transcriptSeparators = []string{"\n[", "\n\n", "\n", ". ", " ", ""}

const chunkSummaryPrompt = `Summarize the following part of a reasoning session.
Keep every fact, decision, number and open question. Drop pleasantries.
Write plain prose, no preamble.

Transcript:
%s

Summary:`

const mergeSummaryPrompt = `Merge these partial summaries of one reasoning session into a single
summary, in chronological order. Keep every fact, decision and open question.

%s

Merged summary:`

// LLMSummarizer summarizes entries with a gateway call.
//
// Long transcripts are split with a recursive character splitter, each
// chunk is summarized, and the partial summaries are merged in one more
// call.
//
// Thread Safety: Safe for concurrent use.
type LLMSummarizer struct {
	gateway   llm.Gateway
	splitter  textsplitter.TextSplitter
	maxTokens int
	tokens    atomic.Int64
	calls     atomic.Int64
}

// NewLLMSummarizer creates a summarizer backed by gateway.
func NewLLMSummarizer(gateway llm.Gateway) *LLMSummarizer {
	return &LLMSummarizer{
		gateway: gateway,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(DefaultSummaryChunkSize),
			textsplitter.WithChunkOverlap(DefaultSummaryChunkOverlap),
			textsplitter.WithSeparators(transcriptSeparators),
		),
		maxTokens: DefaultSummaryMaxTokens,
	}
}

// WithChunkSize returns the summarizer with a different chunk size.
func (s *LLMSummarizer) WithChunkSize(size, overlap int) *LLMSummarizer {
	s.splitter = textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(transcriptSeparators),
	)
	return s
}

// TokensUsed returns the total tokens reported by every gateway call.
func (s *LLMSummarizer) TokensUsed() int {
	return int(s.tokens.Load())
}

// Calls returns the number of gateway calls made.
func (s *LLMSummarizer) Calls() int {
	return int(s.calls.Load())
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, entries []Entry) (Entry, error) {
	if len(entries) == 0 {
		return Entry{Role: RoleSummary}, nil
	}

	chunks, err := s.splitter.SplitText(Render(entries))
	if err != nil {
		return Entry{}, fmt.Errorf("splitting transcript: %w", err)
	}
	if len(chunks) == 0 {
		return Entry{Role: RoleSummary}, nil
	}

	partials := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		text, err := s.generate(ctx, fmt.Sprintf(chunkSummaryPrompt, chunk))
		if err != nil {
			return Entry{}, err
		}
		partials = append(partials, text)
	}

	summary := partials[0]
	if len(partials) > 1 {
		var sb strings.Builder
		for i, p := range partials {
			fmt.Fprintf(&sb, "Part %d:\n%s\n\n", i+1, p)
		}
		summary, err = s.generate(ctx, fmt.Sprintf(mergeSummaryPrompt, sb.String()))
		if err != nil {
			return Entry{}, err
		}
	}

	return Entry{Role: RoleSummary, Content: summary}, nil
}

func (s *LLMSummarizer) generate(ctx context.Context, prompt string) (string, error) {
	params := llm.GenerationParams{}.WithTemperature(0.2).WithMaxTokens(s.maxTokens)
	gen, err := s.gateway.Generate(ctx, prompt, params)
	s.calls.Add(1)
	if err != nil {
		return "", fmt.Errorf("summarizer gateway call: %w", err)
	}
	s.tokens.Add(int64(gen.TokenCount))
	return strings.TrimSpace(gen.Text), nil
}

// ExtractiveSummarizer keeps the lead of every folded entry and makes no
// gateway calls. Reasoning chains use it so the number of model calls per
// chain stays bounded by its step count.
type ExtractiveSummarizer struct {
	splitter textsplitter.TextSplitter
}

// NewExtractiveSummarizer keeps at most maxChars characters of each entry.
// A non-positive maxChars means DefaultExtractChars.
func NewExtractiveSummarizer(maxChars int) *ExtractiveSummarizer {
	if maxChars <= 0 {
		maxChars = DefaultExtractChars
	}
	return &ExtractiveSummarizer{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(maxChars),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators([]string{"\n", ". ", " ", ""}),
		),
	}
}

// Summarize implements Summarizer.
func (s *ExtractiveSummarizer) Summarize(_ context.Context, entries []Entry) (Entry, error) {
	var sb strings.Builder
	for _, e := range entries {
		text := strings.TrimSpace(e.Content)
		if text == "" {
			continue
		}
		chunks, err := s.splitter.SplitText(text)
		if err != nil {
			return Entry{}, fmt.Errorf("splitting entry %d: %w", e.SequenceID, err)
		}
		if len(chunks) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %s", e.Role, strings.TrimSpace(chunks[0]))
	}
	return Entry{Role: RoleSummary, Content: sb.String()}, nil
}
