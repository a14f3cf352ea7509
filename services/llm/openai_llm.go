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
	"errors"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const providerOpenAI = "openai"

type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIClient(cfg ProviderConfig) (*OpenAIClient, error) {
	key := ResolveAPIKey(cfg.APIKey, "OPENAI_API_KEY", "/run/secrets/openai_api_key")
	if key.Empty() {
		slog.Error("OPENAI_API_KEY environment variable not set and secret not found")
		return nil, NewPermanentError(providerOpenAI, ErrMissingAPIKey)
	}
	defer key.Destroy()

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting", "model", model)
	}

	clientCfg := openai.DefaultConfig(key.Reveal())
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = newHTTPClient(cfg.Timeout)
	}

	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: cfg.systemPrompt(),
	}, nil
}

// Generate implements Gateway.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	ctx, span := startGenerateSpan(ctx, providerOpenAI, o.model)
	defer span.End()

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		perr := classifyOpenAIError(err)
		recordSpanError(span, perr)
		slog.Error("OpenAI API call failed", "error", perr)
		return nil, perr
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		slog.Warn("OpenAI returned no choices or empty content")
		return nil, NewTransientError(providerOpenAI, ErrEmptyResponse)
	}

	gen := &Generation{
		Text:         resp.Choices[0].Message.Content,
		TokenCount:   resp.Usage.TotalTokens,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
	}
	if gen.TokenCount == 0 {
		gen.TokenCount = EstimateTokens(prompt) + EstimateTokens(gen.Text)
	}
	recordSpanUsage(span, gen)
	slog.Debug("Received response from OpenAI", "finish_reason", gen.FinishReason, "tokens", gen.TokenCount)
	return gen, nil
}

func classifyOpenAIError(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &ProviderError{
			Provider:   providerOpenAI,
			Kind:       ClassifyStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &ProviderError{
			Provider:   providerOpenAI,
			Kind:       ClassifyStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return ClassifyTransportError(providerOpenAI, err)
}
