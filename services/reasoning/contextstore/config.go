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
	"errors"
	"fmt"
)

// Default configuration.
const (
	// DefaultCeiling is the maximum token total after a compression pass.
	DefaultCeiling = 8000

	// DefaultCompressionThreshold is the fraction of the ceiling that
	// triggers automatic compression on append.
	DefaultCompressionThreshold = 0.8

	// DefaultSlidingWindowSize is the number of newest entries Compress
	// never folds.
	DefaultSlidingWindowSize = 6

	// DefaultCharsPerToken approximates characters per token.
	DefaultCharsPerToken = 4
)

// Config configures a Store.
type Config struct {
	Ceiling              int     `json:"ceiling" yaml:"ceiling" validate:"min=1"`
	CompressionThreshold float64 `json:"compression_threshold" yaml:"compression_threshold" validate:"gt=0,lte=1"`
	SlidingWindowSize    int     `json:"sliding_window_size" yaml:"sliding_window_size" validate:"min=0"`
	CharsPerToken        int     `json:"chars_per_token" yaml:"chars_per_token" validate:"min=1"`

	// AutoCompress runs Compress from Append once the threshold is crossed,
	// when the store has a summarizer.
	AutoCompress bool `json:"auto_compress" yaml:"auto_compress"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Ceiling:              DefaultCeiling,
		CompressionThreshold: DefaultCompressionThreshold,
		SlidingWindowSize:    DefaultSlidingWindowSize,
		CharsPerToken:        DefaultCharsPerToken,
		AutoCompress:         true,
	}
}

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid context store config")

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Ceiling < 1 {
		return fmt.Errorf("%w: ceiling must be positive, got %d", ErrInvalidConfig, c.Ceiling)
	}
	if c.CompressionThreshold <= 0 || c.CompressionThreshold > 1 {
		return fmt.Errorf("%w: compression threshold must be in (0,1], got %v", ErrInvalidConfig, c.CompressionThreshold)
	}
	if c.SlidingWindowSize < 0 {
		return fmt.Errorf("%w: sliding window size must not be negative", ErrInvalidConfig)
	}
	if c.CharsPerToken < 1 {
		return fmt.Errorf("%w: chars per token must be positive", ErrInvalidConfig)
	}
	return nil
}

// thresholdTokens is the token total above which Append compresses.
func (c Config) thresholdTokens() int {
	return int(c.CompressionThreshold * float64(c.Ceiling))
}
