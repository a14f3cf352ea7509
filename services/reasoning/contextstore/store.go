// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextstore keeps a reasoning session's conversational history
// inside a token budget.
//
// A Store is an ordered, append-only log of entries with a running token
// total. When the total crosses a threshold the oldest entries outside a
// protected sliding window are folded into one summary entry by an
// injected Summarizer.
//
// Thread Safety:
//
//	Store is safe for concurrent use. Compressions are serialized.
package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Summarizer folds a run of entries into one summary entry.
//
// Implementations usually call an LLM. Role, SequenceID and Timestamp of
// the returned entry are overwritten by the store.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (Entry, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, entries []Entry) (Entry, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, entries []Entry) (Entry, error) {
	return f(ctx, entries)
}

// Option configures a Store.
type Option func(*Store)

// WithSummarizer sets the summarizer used by automatic compression.
func WithSummarizer(s Summarizer) Option {
	return func(st *Store) { st.summarizer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// WithTokenCounter replaces the character-based token estimate.
func WithTokenCounter(tc TokenCounter) Option {
	return func(st *Store) {
		if tc != nil {
			st.countTokens = tc
		}
	}
}

// Store is the token-bounded rolling history of one session.
//
// Invariants:
//   - total == sum of entry token counts.
//   - SequenceIDs are strictly increasing in slice order.
//   - total <= Ceiling after every completed compression pass.
type Store struct {
	config      Config
	summarizer  Summarizer
	countTokens TokenCounter
	logger      *slog.Logger

	mu      sync.RWMutex
	entries []Entry
	total   int
	nextSeq uint64

	compressMu sync.Mutex
}

// New creates an empty store.
func New(config Config, opts ...Option) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		config:      config,
		countTokens: CharTokenCounter(config.CharsPerToken),
		logger:      slog.Default(),
		nextSeq:     1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.config
}

// CountTokens applies the store's token counter.
func (s *Store) CountTokens(text string) int {
	return s.countTokens(text)
}

// Append stores entry at the end of the history.
//
// # Description
//
// Assigns SequenceID and Timestamp (when zero), and TokenCount when the
// caller left it at zero. If the post-append total exceeds the compression
// threshold and a summarizer is configured, Compress runs before Append
// returns. A failed automatic compression is logged and does not fail the
// append.
//
// # Outputs
//
//   - Entry: The stored entry as assigned.
//   - error: *CapacityError if the entry alone exceeds the ceiling, in which
//     case the store is unchanged.
func (s *Store) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Role == "" {
		entry.Role = RoleUser
	}
	if !entry.Role.Valid() {
		return Entry{}, fmt.Errorf("%w: role %q", ErrInvalidEntry, entry.Role)
	}
	if entry.TokenCount <= 0 {
		entry.TokenCount = s.countTokens(entry.Content)
	}
	if entry.TokenCount > s.config.Ceiling {
		return Entry{}, &CapacityError{EntryTokens: entry.TokenCount, Ceiling: s.config.Ceiling}
	}

	s.mu.Lock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.SequenceID = s.nextSeq
	s.nextSeq++
	s.entries = append(s.entries, entry)
	s.total += entry.TokenCount
	total := s.total
	s.mu.Unlock()

	if s.config.AutoCompress && s.summarizer != nil && total > s.config.thresholdTokens() {
		report, err := s.Compress(ctx, s.summarizer)
		if err != nil {
			s.logger.Warn("automatic context compression failed",
				slog.Int("total_tokens", total),
				slog.String("error", err.Error()),
			)
		} else if report.Performed {
			s.logger.Debug("context compressed",
				slog.Int("tokens_before", report.TokensBefore),
				slog.Int("tokens_after", report.TokensAfter),
				slog.Int("folded", report.FoldedEntries),
			)
		}
	}
	return entry, nil
}

// Window returns up to maxEntries of the newest entries in insertion order.
// It returns an empty slice for maxEntries <= 0.
func (s *Store) Window(maxEntries int) []Entry {
	if maxEntries <= 0 {
		return []Entry{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.entries) - maxEntries
	if start < 0 {
		start = 0
	}
	out := make([]Entry, len(s.entries)-start)
	copy(out, s.entries[start:])
	return out
}

// Entries returns a copy of every entry.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// TotalTokens returns the running token total.
func (s *Store) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Restore replaces the contents with previously persisted entries.
//
// The entries must have strictly increasing SequenceIDs, known roles and
// each fit under the ceiling. The running total is recomputed. On error the
// store is unchanged.
func (s *Store) Restore(entries []Entry) error {
	var issues []string
	total := 0
	var last uint64
	for i, e := range entries {
		if !e.Role.Valid() {
			issues = append(issues, fmt.Sprintf("entry %d has unknown role %q", i, e.Role))
		}
		if e.TokenCount > s.config.Ceiling {
			issues = append(issues, fmt.Sprintf("entry %d has %d tokens, above ceiling %d", i, e.TokenCount, s.config.Ceiling))
		}
		if e.TokenCount < 0 {
			issues = append(issues, fmt.Sprintf("entry %d has negative token count", i))
		}
		if i > 0 && e.SequenceID <= last {
			issues = append(issues, fmt.Sprintf("entry %d sequence id %d not greater than %d", i, e.SequenceID, last))
		}
		last = e.SequenceID
		total += e.TokenCount
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	cp := make([]Entry, len(entries))
	copy(cp, entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = cp
	s.total = total
	s.nextSeq = last + 1
	return nil
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	Valid         bool     `json:"valid"`
	EntryCount    int      `json:"entry_count"`
	StoredTotal   int      `json:"stored_total"`
	ComputedTotal int      `json:"computed_total"`
	Ceiling       int      `json:"ceiling"`
	OverCeiling   bool     `json:"over_ceiling"`
	Issues        []string `json:"issues,omitempty"`
}

// Err returns a *ValidationError when the report is invalid, else nil.
func (r ValidationReport) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Issues: r.Issues}
}

// Validate checks the token-sum and ordering invariants.
//
// Violations are reported, not returned as an error, since they are
// diagnostic. OverCeiling is informational: the ceiling only binds after a
// compression pass.
func (s *Store) Validate() ValidationReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := ValidationReport{
		EntryCount:  len(s.entries),
		StoredTotal: s.total,
		Ceiling:     s.config.Ceiling,
	}
	for i, e := range s.entries {
		report.ComputedTotal += e.TokenCount
		if i > 0 && e.SequenceID <= s.entries[i-1].SequenceID {
			report.Issues = append(report.Issues, fmt.Sprintf(
				"sequence id %d at position %d does not follow %d", e.SequenceID, i, s.entries[i-1].SequenceID))
		}
	}
	if report.ComputedTotal != report.StoredTotal {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"stored token total %d does not match entry sum %d", report.StoredTotal, report.ComputedTotal))
	}
	report.OverCeiling = report.StoredTotal > s.config.Ceiling
	report.Valid = len(report.Issues) == 0
	return report
}
