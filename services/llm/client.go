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

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// WithTemperature returns a copy of p with the temperature set.
func (p GenerationParams) WithTemperature(t float32) GenerationParams {
	p.Temperature = &t
	return p
}

// WithMaxTokens returns a copy of p with the completion limit set.
func (p GenerationParams) WithMaxTokens(n int) GenerationParams {
	p.MaxTokens = &n
	return p
}

// Generation is the result of a single completion call.
type Generation struct {
	Text string `json:"text"`

	// TokenCount is the total usage (prompt + completion) reported by the
	// provider, or an estimate when the provider reports none.
	TokenCount int `json:"token_count"`

	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Gateway is the request/response capability every LLM backend provides.
//
// Failures are reported as *ProviderError so callers can tell transient
// failures (retry) from permanent ones (propagate).
type Gateway interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, prompt string, params GenerationParams) (*Generation, error)

// Generate implements Gateway.
func (f GatewayFunc) Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	return f(ctx, prompt, params)
}

// EstimateTokens approximates the token count of text at four characters
// per token. Used when a backend does not report usage.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
