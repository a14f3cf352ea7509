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
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by NewGateway.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendOllama    = "ollama"
	BackendLlamaCpp  = "llamacpp"
	BackendMock      = "mock"
)

const defaultSystemPrompt = "You are a careful assistant that reasons step by step."

// ProviderConfig selects and configures one LLM backend.
type ProviderConfig struct {
	// Backend is one of openai, anthropic, ollama, llamacpp, mock.
	Backend string `json:"backend" yaml:"backend" validate:"required,oneof=openai anthropic ollama llamacpp mock"`

	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`

	// APIKey overrides the environment and secret-file lookup. Prefer the
	// environment; this exists for tests and one-off runs.
	APIKey string `json:"-" yaml:"api_key"`

	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	// Timeout bounds the HTTP round trip of a single call (default: 5m).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultProviderConfig returns a local Ollama setup.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Backend: BackendOllama,
		Model:   "gpt-oss",
		BaseURL: "http://localhost:11434",
		Timeout: 5 * time.Minute,
	}
}

func (c ProviderConfig) systemPrompt() string {
	if c.SystemPrompt != "" {
		return c.SystemPrompt
	}
	return defaultSystemPrompt
}

// NewGateway builds the raw provider client named by cfg.Backend.
//
// # Description
//
// Wrap the result with NewResilientGateway to get retries, the circuit
// breaker, and rate limiting.
//
// # Outputs
//
//   - Gateway: The provider client.
//   - error: *ProviderError (permanent) when the backend is unknown or
//     cannot be configured.
func NewGateway(cfg ProviderConfig) (Gateway, error) {
	slog.Info("Selecting LLM backend", "backend", cfg.Backend, "model", cfg.Model)
	switch cfg.Backend {
	case BackendOpenAI:
		return NewOpenAIClient(cfg)
	case BackendAnthropic:
		return NewAnthropicClient(cfg)
	case BackendOllama:
		return NewOllamaClient(cfg)
	case BackendLlamaCpp:
		return NewLocalLlamaCppClient(cfg)
	case BackendMock:
		return NewEchoGateway(), nil
	default:
		return nil, NewPermanentError(cfg.Backend, fmt.Errorf("unknown llm backend %q", cfg.Backend))
	}
}
