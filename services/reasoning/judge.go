// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reasoning

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Judgment is a consistency judge's verdict over a set of answers.
type Judgment struct {
	// Agreement is the share of answers that agree with Winner, in [0,1].
	Agreement float64 `json:"agreement"`

	// Winner is the normalized answer most answers agree on.
	Winner string `json:"winner"`

	Rationale  string `json:"rationale,omitempty"`
	TokensUsed int    `json:"tokens_used"`
}

// ConsistencyJudge rates how well a set of independently reached answers
// agree.
type ConsistencyJudge interface {
	Judge(ctx context.Context, question string, answers []string) (Judgment, error)
}

// AgreementJudge is a deterministic ConsistencyJudge: the largest group of
// equal normalized answers wins, ties go to the group seen first.
type AgreementJudge struct{}

// Judge implements ConsistencyJudge. It makes no gateway calls.
func (AgreementJudge) Judge(_ context.Context, _ string, answers []string) (Judgment, error) {
	if len(answers) == 0 {
		return Judgment{}, InvalidRequestf("no answers to judge")
	}
	counts := make(map[string]int, len(answers))
	order := make([]string, 0, len(answers))
	for _, a := range answers {
		n := NormalizeAnswer(a)
		if _, ok := counts[n]; !ok {
			order = append(order, n)
		}
		counts[n]++
	}
	winner := order[0]
	for _, n := range order[1:] {
		if counts[n] > counts[winner] {
			winner = n
		}
	}
	return Judgment{
		Agreement: float64(counts[winner]) / float64(len(answers)),
		Winner:    winner,
		Rationale: fmt.Sprintf("%d of %d answers agree", counts[winner], len(answers)),
	}, nil
}

// NormalizeAnswer canonicalizes an answer for voting: lower case, markdown
// emphasis and surrounding punctuation removed, whitespace collapsed.
func NormalizeAnswer(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimLeft(s, "\"'`“‘([ ")
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || r == '`'
	})
	return s
}
