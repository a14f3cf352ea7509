// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockResponse is one scripted gateway reply.
type MockResponse struct {
	Text   string
	Tokens int
	Err    error
}

// MockCall records one call made to a MockGateway.
type MockCall struct {
	Prompt string
	Params GenerationParams
}

// MockGateway is a scripted Gateway for testing.
//
// Scripted responses are consumed in order. Once the script is exhausted,
// Handler answers (when set); otherwise the last scripted response repeats.
//
// Thread Safety: Safe for concurrent use. With concurrent callers the
// order in which scripted responses are handed out is the order of arrival,
// so tests with fan-out should prefer Handler.
type MockGateway struct {
	mu     sync.Mutex
	script []MockResponse
	next   int
	calls  []MockCall

	// Handler answers calls once the script is exhausted.
	Handler func(ctx context.Context, prompt string, params GenerationParams) (*Generation, error)
}

// NewMockGateway creates a mock that replays responses in order.
func NewMockGateway(responses ...MockResponse) *MockGateway {
	return &MockGateway{script: responses}
}

// NewMockGatewayFunc creates a mock answered entirely by fn.
func NewMockGatewayFunc(fn func(ctx context.Context, prompt string, params GenerationParams) (*Generation, error)) *MockGateway {
	return &MockGateway{Handler: fn}
}

// Generate implements Gateway.
func (m *MockGateway) Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPermanentError("mock", err)
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Prompt: prompt, Params: params})
	var resp *MockResponse
	switch {
	case m.next < len(m.script):
		r := m.script[m.next]
		m.next++
		resp = &r
	case m.Handler == nil && len(m.script) > 0:
		r := m.script[len(m.script)-1]
		resp = &r
	}
	handler := m.Handler
	m.mu.Unlock()

	if resp != nil {
		if resp.Err != nil {
			return nil, resp.Err
		}
		tokens := resp.Tokens
		if tokens == 0 {
			tokens = EstimateTokens(resp.Text)
		}
		return &Generation{Text: resp.Text, TokenCount: tokens, Model: "mock", FinishReason: "stop"}, nil
	}
	if handler != nil {
		return handler(ctx, prompt, params)
	}
	return nil, NewPermanentError("mock", fmt.Errorf("no scripted response for call %d", m.CallCount()))
}

// Calls returns a copy of every call made so far.
func (m *MockGateway) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of calls made so far.
func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// NewEchoGateway returns an offline gateway used by the "mock" backend.
//
// It answers every prompt with a short deterministic completion derived
// from the prompt's last non-empty line, including a score, a final answer
// and a confidence, so every reasoning strategy can run without a model.
func NewEchoGateway() *MockGateway {
	return NewMockGatewayFunc(func(_ context.Context, prompt string, _ GenerationParams) (*Generation, error) {
		subject := lastLine(prompt)
		if len(subject) > 120 {
			subject = subject[:120]
		}
		text := fmt.Sprintf("Considering: %s\nScore: 5\nRationale: offline echo backend\nFinal Answer: %s\nConfidence: 0.5",
			subject, subject)
		return &Generation{
			Text:         text,
			TokenCount:   EstimateTokens(prompt) + EstimateTokens(text),
			Model:        "echo",
			FinishReason: "stop",
		}, nil
	})
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
