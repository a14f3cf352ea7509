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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNilSummarizer is returned by Compress without a summarizer.
	ErrNilSummarizer = errors.New("summarizer must not be nil")

	// ErrCompressionFailed wraps a summarizer failure.
	ErrCompressionFailed = errors.New("context compression failed")

	// ErrInvalidEntry is returned for entries with an unknown role.
	ErrInvalidEntry = errors.New("invalid context entry")
)

// CapacityError reports an entry that can never fit under the ceiling.
type CapacityError struct {
	EntryTokens int
	Ceiling     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("context entry of %d tokens exceeds ceiling of %d tokens", e.EntryTokens, e.Ceiling)
}

// ValidationError reports violated store invariants.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "context store invariant violated: " + strings.Join(e.Issues, "; ")
}
