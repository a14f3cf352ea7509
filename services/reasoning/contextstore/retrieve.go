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
	"sort"
	"strings"
	"unicode"
)

// Ranker scores how relevant an entry is to a query. Higher is better;
// zero or less means irrelevant.
type Ranker interface {
	Rank(query string, entry Entry) float64
}

// RankerFunc adapts a function to the Ranker interface.
type RankerFunc func(query string, entry Entry) float64

// Rank implements Ranker.
func (f RankerFunc) Rank(query string, entry Entry) float64 {
	return f(query, entry)
}

// OverlapRanker scores by the share of query terms present in the entry.
type OverlapRanker struct{}

// Rank implements Ranker.
func (OverlapRanker) Rank(query string, entry Entry) float64 {
	q := terms(query)
	if len(q) == 0 {
		return 0
	}
	e := terms(entry.Content)
	hits := 0
	for t := range q {
		if _, ok := e[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}

func terms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

// Retrieve returns up to k entries most relevant to query.
//
// This is the only read that selects by relevance. The result is still
// returned in SequenceID order. A nil ranker means OverlapRanker.
func (s *Store) Retrieve(query string, k int, ranker Ranker) []Entry {
	if k <= 0 {
		return []Entry{}
	}
	if ranker == nil {
		ranker = OverlapRanker{}
	}

	type scored struct {
		idx   int
		score float64
	}

	entries := s.Entries()
	candidates := make([]scored, 0, len(entries))
	for i, e := range entries {
		if score := ranker.Rank(query, e); score > 0 {
			candidates = append(candidates, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// Prefer recent entries on ties.
		return candidates[i].idx > candidates[j].idx
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].idx < candidates[j].idx })

	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = entries[c.idx]
	}
	return out
}
