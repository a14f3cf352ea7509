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

const providerOllama = "ollama"

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func NewOllamaClient(cfg ProviderConfig) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		return nil, NewPermanentError(providerOllama, fmt.Errorf("ollama base URL not set"))
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: newHTTPClient(cfg.Timeout),
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Generate implements Gateway.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	ctx, span := startGenerateSpan(ctx, providerOllama, o.model)
	defer span.End()

	options := map[string]any{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	}

	var resp ollamaGenerateResponse
	if perr := postJSON(ctx, o.httpClient, providerOllama, o.baseURL+"/api/generate", nil, payload, &resp); perr != nil {
		if perr.StatusCode == http.StatusNotFound && strings.Contains(perr.Error(), "not found") {
			perr.Err = fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s': %w", o.model, o.model, perr.Err)
		}
		recordSpanError(span, perr)
		slog.Error("Ollama API call failed", "error", perr)
		return nil, perr
	}
	if resp.Response == "" {
		perr := NewTransientError(providerOllama, ErrEmptyResponse)
		recordSpanError(span, perr)
		return nil, perr
	}

	gen := &Generation{
		Text:         resp.Response,
		TokenCount:   resp.PromptEvalCount + resp.EvalCount,
		Model:        resp.Model,
		FinishReason: resp.DoneReason,
	}
	if gen.TokenCount == 0 {
		gen.TokenCount = EstimateTokens(prompt) + EstimateTokens(gen.Text)
	}
	recordSpanUsage(span, gen)
	slog.Debug("Received response from Ollama", "tokens", gen.TokenCount)
	return gen, nil
}
