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

const providerLlamaCpp = "llamacpp"

// LocalLlamaCppClient talks to a llama.cpp server's /completion endpoint.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
}

type llamaCppPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type llamaCppResp struct {
	Content         string `json:"content"`
	Model           string `json:"model"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	TokensPredicted int    `json:"tokens_predicted"`
	StoppedEOS      bool   `json:"stopped_eos"`
	StoppedLimit    bool   `json:"stopped_limit"`
}

func NewLocalLlamaCppClient(cfg ProviderConfig) (*LocalLlamaCppClient, error) {
	if cfg.BaseURL == "" {
		return nil, NewPermanentError(providerLlamaCpp, fmt.Errorf("llama.cpp base URL not set"))
	}
	return &LocalLlamaCppClient{
		httpClient: newHTTPClient(cfg.Timeout),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
	}, nil
}

// Generate implements Gateway.
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	ctx, span := startGenerateSpan(ctx, providerLlamaCpp, "local")
	defer span.End()

	payload := llamaCppPayload{
		Prompt:      prompt,
		NPredict:    512,
		Temperature: params.Temperature,
		TopK:        params.TopK,
		TopP:        params.TopP,
		Stop:        params.Stop,
	}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	}
	if payload.Temperature == nil {
		t := float32(0.2)
		payload.Temperature = &t
	}

	slog.Debug("Calling llama.cpp completion", "url", l.baseURL)
	var resp llamaCppResp
	if perr := postJSON(ctx, l.httpClient, providerLlamaCpp, l.baseURL+"/completion", nil, payload, &resp); perr != nil {
		recordSpanError(span, perr)
		return nil, perr
	}
	if resp.Content == "" {
		perr := NewTransientError(providerLlamaCpp, ErrEmptyResponse)
		recordSpanError(span, perr)
		return nil, perr
	}

	gen := &Generation{
		Text:       resp.Content,
		TokenCount: resp.TokensEvaluated + resp.TokensPredicted,
		Model:      resp.Model,
	}
	switch {
	case resp.StoppedLimit:
		gen.FinishReason = "length"
	case resp.StoppedEOS:
		gen.FinishReason = "stop"
	}
	if gen.TokenCount == 0 {
		gen.TokenCount = EstimateTokens(prompt) + EstimateTokens(gen.Text)
	}
	recordSpanUsage(span, gen)
	return gen, nil
}
