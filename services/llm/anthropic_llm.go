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
	"log/slog"
	"net/http"
	"strings"
)

const (
	providerAnthropic   = "anthropic"
	anthropicAPIVersion = "2023-06-01"
	defaultAnthropicURL = "https://api.anthropic.com/v1/messages"

	defaultAnthropicMaxTokens = 1024
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type AnthropicClient struct {
	httpClient   *http.Client
	apiKey       *APIKey
	model        string
	url          string
	systemPrompt string
}

func NewAnthropicClient(cfg ProviderConfig) (*AnthropicClient, error) {
	key := ResolveAPIKey(cfg.APIKey, "ANTHROPIC_API_KEY", "/run/secrets/anthropic_api_key")
	if key.Empty() {
		slog.Warn("Anthropic API Key is missing.")
		return nil, NewPermanentError(providerAnthropic, ErrMissingAPIKey)
	}

	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("Anthropic model not set, defaulting to", "model", model)
	}
	url := defaultAnthropicURL
	if cfg.BaseURL != "" {
		url = strings.TrimSuffix(cfg.BaseURL, "/") + "/v1/messages"
	}

	return &AnthropicClient{
		httpClient:   newHTTPClient(cfg.Timeout),
		apiKey:       key,
		model:        model,
		url:          url,
		systemPrompt: cfg.systemPrompt(),
	}, nil
}

// Close wipes the API key.
func (a *AnthropicClient) Close() error {
	a.apiKey.Destroy()
	return nil
}

// Generate implements Gateway.
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	ctx, span := startGenerateSpan(ctx, providerAnthropic, a.model)
	defer span.End()

	payload := anthropicRequest{
		Model:       a.model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   defaultAnthropicMaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		StopSeqs:    params.Stop,
	}
	if params.MaxTokens != nil {
		payload.MaxTokens = *params.MaxTokens
	}
	if a.systemPrompt != "" {
		block := systemBlock{Type: "text", Text: a.systemPrompt}
		if len(a.systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		payload.System = []systemBlock{block}
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey.Reveal(),
		"anthropic-version": anthropicAPIVersion,
	}

	slog.Debug("Sending REST request to Anthropic", "model", a.model)

	var apiResp anthropicResponse
	if perr := postJSON(ctx, a.httpClient, providerAnthropic, a.url, headers, payload, &apiResp); perr != nil {
		recordSpanError(span, perr)
		slog.Error("Anthropic API call failed", "error", perr)
		return nil, perr
	}

	if apiResp.Error != nil {
		perr := NewPermanentError(providerAnthropic,
			fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message))
		if apiResp.Error.Type == "overloaded_error" || apiResp.Error.Type == "rate_limit_error" {
			perr.Kind = KindTransient
		}
		recordSpanError(span, perr)
		return nil, perr
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		perr := NewTransientError(providerAnthropic, ErrEmptyResponse)
		recordSpanError(span, perr)
		return nil, perr
	}

	gen := &Generation{
		Text:         text.String(),
		TokenCount:   apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		Model:        apiResp.Model,
		FinishReason: apiResp.StopReason,
	}
	if gen.TokenCount == 0 {
		gen.TokenCount = EstimateTokens(prompt) + EstimateTokens(gen.Text)
	}
	recordSpanUsage(span, gen)
	return gen, nil
}
