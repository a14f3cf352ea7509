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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.reason.llm")

func startGenerateSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "llm.Generate")
	span.SetAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
	return ctx, span
}

func recordSpanError(span trace.Span, err *ProviderError) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("llm.error_kind", err.Kind.String()))
}

func recordSpanUsage(span trace.Span, gen *Generation) {
	span.SetAttributes(
		attribute.Int("llm.tokens", gen.TokenCount),
		attribute.String("llm.finish_reason", gen.FinishReason),
	)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends payload to url and decodes a 200 response into out.
// Every failure comes back as a *ProviderError.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) *ProviderError {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewPermanentError(provider, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewPermanentError(provider, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ClassifyTransportError(provider, fmt.Errorf("request to %s failed: %w", url, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransientError(provider, fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return NewStatusError(provider, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return NewTransientError(provider, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}
