// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config aggregates the configuration of every reasoning component
// and loads it with priority env > file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/reasoning/cot"
	"github.com/AleutianAI/AleutianReason/services/reasoning/tot"
	"github.com/AleutianAI/AleutianReason/services/storage/badgerkv"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "REASON_CONFIG"

// DefaultHistoryWindow is the number of newest session entries handed to a
// reasoning run as background.
const DefaultHistoryWindow = 12

// SessionConfig configures session persistence.
type SessionConfig struct {
	badgerkv.Config `yaml:",inline"`

	// HistoryWindow is how many newest session entries are passed to a
	// reasoning run as context.
	HistoryWindow int `json:"history_window" yaml:"history_window" validate:"min=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" validate:"required"`
	Mode            string        `json:"mode" yaml:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Config is the full configuration.
type Config struct {
	LLM            llm.ProviderConfig       `json:"llm" yaml:"llm"`
	Retry          llm.RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker llm.CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit      llm.RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`

	// CallTimeout bounds one gateway attempt.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`

	Context   contextstore.Config `json:"context" yaml:"context"`
	CoT       cot.Config          `json:"cot" yaml:"cot"`
	ToT       tot.Config          `json:"tot" yaml:"tot"`
	Session   SessionConfig       `json:"session" yaml:"session"`
	Telemetry telemetry.Config    `json:"telemetry" yaml:"telemetry"`
	Log       telemetry.LogConfig `json:"log" yaml:"log"`
	Server    ServerConfig        `json:"server" yaml:"server"`
}

// DefaultDataDir returns ~/.aleutian/reason, or a relative directory when
// the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".aleutian", "reason")
	}
	return filepath.Join(home, ".aleutian", "reason")
}

// Default returns the built-in configuration.
func Default() Config {
	resilient := llm.DefaultResilientConfig()
	return Config{
		LLM:            llm.DefaultProviderConfig(),
		Retry:          resilient.Retry,
		CircuitBreaker: resilient.CircuitBreaker,
		RateLimit:      resilient.RateLimit,
		CallTimeout:    resilient.CallTimeout,
		Context:        contextstore.DefaultConfig(),
		CoT:            cot.DefaultConfig(),
		ToT:            tot.DefaultConfig(),
		Session: SessionConfig{
			Config:        badgerkv.DefaultConfig(filepath.Join(DefaultDataDir(), "sessions")),
			HistoryWindow: DefaultHistoryWindow,
		},
		Telemetry: telemetry.DefaultConfig(),
		Log:       telemetry.DefaultLogConfig(),
		Server: ServerConfig{
			Addr:            ":8090",
			Mode:            "release",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Resilience assembles the gateway wrapper settings.
func (c Config) Resilience() llm.ResilientConfig {
	return llm.ResilientConfig{
		Retry:          c.Retry,
		CircuitBreaker: c.CircuitBreaker,
		RateLimit:      c.RateLimit,
		CallTimeout:    c.CallTimeout,
	}
}

// Load reads configuration with priority: env > file > defaults.
//
// # Inputs
//
//   - path: YAML or JSON file. Empty falls back to $REASON_CONFIG; a file
//     that does not exist is ignored.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Non-nil if the file is unreadable or the result is invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// YAML first, JSON as fallback.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// applyEnv overrides cfg from REASON_* variables. Unparsable values are
// ignored.
func applyEnv(cfg *Config) {
	// LLM
	envString("REASON_LLM_BACKEND", &cfg.LLM.Backend)
	envString("REASON_LLM_MODEL", &cfg.LLM.Model)
	envString("REASON_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envString("REASON_LLM_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt)
	envDuration("REASON_LLM_TIMEOUT", &cfg.LLM.Timeout)
	envDuration("REASON_LLM_CALL_TIMEOUT", &cfg.CallTimeout)

	// Resilience
	envInt("REASON_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envDuration("REASON_RETRY_INITIAL_BACKOFF", &cfg.Retry.InitialBackoff)
	envDuration("REASON_RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)
	envInt("REASON_BREAKER_FAILURE_THRESHOLD", &cfg.CircuitBreaker.FailureThreshold)
	envDuration("REASON_BREAKER_OPEN_DURATION", &cfg.CircuitBreaker.OpenDuration)
	envFloat("REASON_RATE_LIMIT_RPS", &cfg.RateLimit.RequestsPerSecond)
	envInt("REASON_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	// Context
	envInt("REASON_CONTEXT_CEILING", &cfg.Context.Ceiling)
	envFloat("REASON_CONTEXT_COMPRESSION_THRESHOLD", &cfg.Context.CompressionThreshold)
	envInt("REASON_CONTEXT_SLIDING_WINDOW", &cfg.Context.SlidingWindowSize)
	envBool("REASON_CONTEXT_AUTO_COMPRESS", &cfg.Context.AutoCompress)

	// Chain of thought
	envInt("REASON_COT_MAX_STEPS", &cfg.CoT.MaxSteps)
	envInt("REASON_COT_K", &cfg.CoT.SelfConsistencyK)
	envInt("REASON_COT_MAX_CONCURRENCY", &cfg.CoT.MaxConcurrency)

	// Tree of thoughts
	envInt("REASON_TOT_MAX_DEPTH", &cfg.ToT.MaxDepth)
	envInt("REASON_TOT_BRANCHING_FACTOR", &cfg.ToT.BranchingFactor)
	envInt("REASON_TOT_BEAM_WIDTH", &cfg.ToT.BeamWidth)
	envFloat("REASON_TOT_PRUNE_THRESHOLD", &cfg.ToT.PruneThreshold)
	envFloat("REASON_TOT_SUCCESS_THRESHOLD", &cfg.ToT.SuccessThreshold)
	envInt("REASON_TOT_MAX_NODES", &cfg.ToT.MaxNodes)
	envInt("REASON_TOT_MAX_CONCURRENCY", &cfg.ToT.MaxConcurrency)

	// Session
	envString("REASON_SESSION_PATH", &cfg.Session.Path)
	envBool("REASON_SESSION_IN_MEMORY", &cfg.Session.InMemory)
	envInt("REASON_SESSION_HISTORY_WINDOW", &cfg.Session.HistoryWindow)

	// Observability
	envString("REASON_LOG_LEVEL", &cfg.Log.Level)
	envString("REASON_LOG_FORMAT", &cfg.Log.Format)
	envString("REASON_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	envString("REASON_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)

	// Server
	envString("REASON_SERVER_ADDR", &cfg.Server.Addr)
	envString("REASON_SERVER_MODE", &cfg.Server.Mode)
}

var validate = validator.New()

// Validate runs struct-tag validation and then the per-component and
// cross-field checks.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	var errs []error
	checks := []struct {
		name  string
		check func() error
	}{
		{"retry", c.Retry.Validate},
		{"context", c.Context.Validate},
		{"cot", c.CoT.Validate},
		{"tot", c.ToT.Validate},
		{"session", c.Session.Config.Validate},
	}
	for _, ch := range checks {
		if err := ch.check(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
		}
	}
	if c.ToT.PruneThreshold > c.ToT.SuccessThreshold {
		errs = append(errs, fmt.Errorf("tot: prune_threshold %v above success_threshold %v",
			c.ToT.PruneThreshold, c.ToT.SuccessThreshold))
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}
