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
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for malformed reason/explore requests.
	ErrInvalidRequest = errors.New("invalid reasoning request")

	// ErrUnknownStrategy is wrapped by ErrInvalidRequest for unknown tags.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrUnparsableScore is returned when an evaluator reply has no number.
	ErrUnparsableScore = errors.New("evaluator reply contains no score")
)

// InvalidRequestf builds an error wrapping ErrInvalidRequest.
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// GenerationError reports that a chain-of-thought run produced nothing
// usable. No partial result accompanies it.
type GenerationError struct {
	Strategy string
	// Step is the step that failed, 0 when the failure is not tied to one
	// step (every self-consistency branch failed).
	Step        int
	TokensSpent int
	Err         error
}

func (e *GenerationError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("%s reasoning failed at step %d: %v", e.Strategy, e.Step, e.Err)
	}
	return fmt.Sprintf("%s reasoning failed: %v", e.Strategy, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ExplorationError reports that a tree-of-thoughts run produced no path.
type ExplorationError struct {
	Strategy    string
	Reason      string
	TokensSpent int
	Err         error
}

func (e *ExplorationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s exploration failed: %s: %v", e.Strategy, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s exploration failed: %s", e.Strategy, e.Reason)
}

func (e *ExplorationError) Unwrap() error {
	return e.Err
}
