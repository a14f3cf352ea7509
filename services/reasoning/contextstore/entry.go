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
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSummary marks a synthetic entry produced by Compress.
	RoleSummary Role = "summary"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleSummary:
		return true
	default:
		return false
	}
}

// ParseRole converts user input to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Entry is one unit of conversational history.
//
// Entries are values; the store hands out copies and never mutates an
// entry after it has been appended.
type Entry struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
	SequenceID uint64    `json:"sequence_id"`
}

// Render formats entries as a prompt transcript, one block per entry.
func Render(entries []Entry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[")
		sb.WriteString(string(e.Role))
		sb.WriteString("] ")
		sb.WriteString(e.Content)
	}
	return sb.String()
}

// TokenCounter estimates the token count of text.
type TokenCounter func(text string) int

// CharTokenCounter returns a counter at charsPerToken characters per token,
// rounding up so that any non-empty text costs at least one token.
func CharTokenCounter(charsPerToken int) TokenCounter {
	if charsPerToken < 1 {
		charsPerToken = DefaultCharsPerToken
	}
	return func(text string) int {
		n := len([]rune(text))
		if n == 0 {
			return 0
		}
		return (n + charsPerToken - 1) / charsPerToken
	}
}
