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
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

var memguardInitOnce sync.Once

// APIKey holds a provider credential in locked, guarded memory.
//
// Thread Safety: Safe for concurrent reads. Destroy must be called once.
type APIKey struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewAPIKey moves key into a locked buffer. The caller's copy is not wiped,
// since Go strings are immutable.
func NewAPIKey(key string) *APIKey {
	memguardInitOnce.Do(memguard.CatchInterrupt)
	key = strings.TrimSpace(key)
	if key == "" {
		return &APIKey{}
	}
	return &APIKey{buf: memguard.NewBufferFromBytes([]byte(key))}
}

// ResolveAPIKey loads a key from explicit, then the env var, then the
// container secret file.
//
// # Description
//
// Mirrors how the hosted backends find their credentials: an explicit
// value from config wins, then the environment, then /run/secrets.
//
// # Outputs
//
//   - *APIKey: Empty when no source had a key.
func ResolveAPIKey(explicit, envVar, secretPath string) *APIKey {
	if explicit != "" {
		return NewAPIKey(explicit)
	}
	if v := os.Getenv(envVar); v != "" {
		return NewAPIKey(v)
	}
	if secretPath != "" {
		if content, err := os.ReadFile(secretPath); err == nil {
			slog.Info("Read API key from container secret", "path", secretPath)
			return NewAPIKey(string(content))
		}
	}
	return &APIKey{}
}

// Empty reports whether no key is held.
func (k *APIKey) Empty() bool {
	if k == nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.buf == nil || !k.buf.IsAlive() || k.buf.Size() == 0
}

// Reveal returns the key as a string for the duration of one request.
func (k *APIKey) Reveal() string {
	if k.Empty() {
		return ""
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.buf.String()
}

// Destroy wipes the key.
func (k *APIKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
}
