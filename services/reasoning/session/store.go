// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists context stores and reasoning results in Badger so
// that a conversation survives across CLI invocations and API requests.
//
// A session is the serialized form of one contextstore.Store: its config
// and its entries. Every mutating operation loads the session, rebuilds the
// store with Restore, applies the change and writes the entries back, all
// under a per-session lock.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/storage/badgerkv"
)

const (
	sessionPrefix = "session/"
	resultPrefix  = "result/"

	maxIDLength = 128
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by Create for a taken id.
	ErrSessionExists = errors.New("session already exists")

	// ErrResultNotFound is returned for an unknown result id.
	ErrResultNotFound = errors.New("result not found")

	// ErrInvalidID is returned for empty or malformed ids.
	ErrInvalidID = errors.New("invalid id")
)

// Session is one persisted context store.
type Session struct {
	ID        string               `json:"id"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Config    contextstore.Config  `json:"config"`
	Entries   []contextstore.Entry `json:"entries"`
}

// TotalTokens sums the entry token counts.
func (s Session) TotalTokens() int {
	total := 0
	for _, e := range s.Entries {
		total += e.TokenCount
	}
	return total
}

// Summary is the listing form of a Session.
type Summary struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	EntryCount  int       `json:"entry_count"`
	TotalTokens int       `json:"total_tokens"`
}

// ResultKind names the producer of an archived result.
type ResultKind string

const (
	KindCoT ResultKind = "cot"
	KindToT ResultKind = "tot"
)

// ResultRecord is an archived reasoning result.
type ResultRecord struct {
	Kind      ResultKind      `json:"kind"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Question  string          `json:"question"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Option configures a Store.
type Option func(*Store)

// WithSummarizer sets the summarizer used by Compress and by automatic
// compression on Append.
func WithSummarizer(s contextstore.Summarizer) Option {
	return func(st *Store) {
		st.summarizer = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// Store persists sessions and results.
//
// Thread Safety: Safe for concurrent use. Operations on the same session
// are serialized; different sessions proceed in parallel.
type Store struct {
	db         *badgerkv.DB
	defaults   contextstore.Config
	summarizer contextstore.Summarizer
	logger     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// sessionLock serializes one session. It lives in Store.locks while refs
// is positive.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a Store over db. New sessions use defaults.
func NewStore(db *badgerkv.DB, defaults contextstore.Config, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("session: db must not be nil")
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	s := &Store{db: db, defaults: defaults, logger: slog.Default(), locks: make(map[string]*sessionLock)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > maxIDLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, maxIDLength)
	case strings.ContainsAny(id, "/ \t\n"):
		return fmt.Errorf("%w: %q contains a slash or whitespace", ErrInvalidID, id)
	}
	return nil
}

func sessionKey(id string) string {
	return sessionPrefix + id
}

func resultKey(kind ResultKind, id string) string {
	return resultPrefix + string(kind) + "/" + id
}

// lock takes the lock of session id. The returned func releases it and
// drops the entry once no caller holds or waits for it.
func (s *Store) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// Create stores an empty session. An empty id gets a fresh uuid.
func (s *Store) Create(ctx context.Context, id string) (Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateID(id); err != nil {
		return Session{}, err
	}
	unlock := s.lock(id)
	defer unlock()

	if _, err := s.get(ctx, id); err == nil {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, err
	}
	sess := s.newSession(id)
	if err := s.db.PutJSON(ctx, sessionKey(id), sess); err != nil {
		return Session{}, fmt.Errorf("save session %s: %w", id, err)
	}
	s.logger.Debug("session created", slog.String("session_id", id))
	return sess, nil
}

func (s *Store) newSession(id string) Session {
	now := time.Now().UTC()
	return Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Config:    s.defaults,
		Entries:   []contextstore.Entry{},
	}
}

// Get loads a session.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	if err := validateID(id); err != nil {
		return Session{}, err
	}
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (Session, error) {
	var sess Session
	if err := s.db.GetJSON(ctx, sessionKey(id), &sess); err != nil {
		if errors.Is(err, badgerkv.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

// List returns every session ordered by id.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.db.ScanPrefix(ctx, sessionPrefix, func(key string, value []byte) error {
		var sess Session
		if err := json.Unmarshal(value, &sess); err != nil {
			s.logger.Warn("skipping unreadable session", slog.String("key", key), slog.String("error", err.Error()))
			return nil
		}
		out = append(out, Summary{
			ID:          sess.ID,
			CreatedAt:   sess.CreatedAt,
			UpdatedAt:   sess.UpdatedAt,
			EntryCount:  len(sess.Entries),
			TotalTokens: sess.TotalTokens(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a session. Archived results are kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	if err := s.db.Delete(ctx, sessionKey(id)); err != nil {
		if errors.Is(err, badgerkv.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return err
	}
	return nil
}

// open rebuilds the context store of sess.
func (s *Store) open(sess Session) (*contextstore.Store, error) {
	opts := []contextstore.Option{contextstore.WithLogger(s.logger)}
	if s.summarizer != nil {
		opts = append(opts, contextstore.WithSummarizer(s.summarizer))
	}
	store, err := contextstore.New(sess.Config, opts...)
	if err != nil {
		return nil, err
	}
	if err := store.Restore(sess.Entries); err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sess.ID, err)
	}
	return store, nil
}

func (s *Store) save(ctx context.Context, sess Session, store *contextstore.Store) error {
	sess.Entries = store.Entries()
	sess.UpdatedAt = time.Now().UTC()
	if err := s.db.PutJSON(ctx, sessionKey(sess.ID), sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Append adds an entry to the session, creating the session when it does
// not exist yet. Automatic compression applies as for contextstore.Store.
//
// Errors from contextstore (for example *contextstore.CapacityError) are
// returned unchanged and leave the session untouched. A session that did
// not exist is only stored once its first entry is accepted.
func (s *Store) Append(ctx context.Context, id string, entry contextstore.Entry) (contextstore.Entry, error) {
	if err := validateID(id); err != nil {
		return contextstore.Entry{}, err
	}
	unlock := s.lock(id)
	defer unlock()

	sess, err := s.get(ctx, id)
	created := false
	if errors.Is(err, ErrSessionNotFound) {
		sess, err, created = s.newSession(id), nil, true
	}
	if err != nil {
		return contextstore.Entry{}, err
	}

	store, err := s.open(sess)
	if err != nil {
		return contextstore.Entry{}, err
	}
	stored, err := store.Append(ctx, entry)
	if err != nil {
		return contextstore.Entry{}, err
	}
	if err := s.save(ctx, sess, store); err != nil {
		return contextstore.Entry{}, err
	}
	if created {
		s.logger.Debug("session created", slog.String("session_id", id))
	}
	return stored, nil
}

// Window returns up to maxEntries of the newest entries. maxEntries <= 0
// returns every entry.
func (s *Store) Window(ctx context.Context, id string, maxEntries int) ([]contextstore.Entry, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if maxEntries <= 0 || maxEntries >= len(sess.Entries) {
		return sess.Entries, nil
	}
	return sess.Entries[len(sess.Entries)-maxEntries:], nil
}

// Compress runs a compression pass on the session.
func (s *Store) Compress(ctx context.Context, id string) (contextstore.CompressionReport, error) {
	if err := validateID(id); err != nil {
		return contextstore.CompressionReport{}, err
	}
	unlock := s.lock(id)
	defer unlock()

	sess, err := s.get(ctx, id)
	if err != nil {
		return contextstore.CompressionReport{}, err
	}
	store, err := s.open(sess)
	if err != nil {
		return contextstore.CompressionReport{}, err
	}
	report, err := store.Compress(ctx, s.summarizer)
	if err != nil {
		return report, err
	}
	if report.Performed {
		if err := s.save(ctx, sess, store); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Validate checks the invariants of the persisted session. Entries that
// cannot be restored at all are reported as issues rather than an error.
func (s *Store) Validate(ctx context.Context, id string) (contextstore.ValidationReport, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return contextstore.ValidationReport{}, err
	}
	store, err := s.open(sess)
	if err != nil {
		var verr *contextstore.ValidationError
		if errors.As(err, &verr) {
			return contextstore.ValidationReport{
				EntryCount:    len(sess.Entries),
				ComputedTotal: sess.TotalTokens(),
				StoredTotal:   sess.TotalTokens(),
				Ceiling:       sess.Config.Ceiling,
				OverCeiling:   sess.TotalTokens() > sess.Config.Ceiling,
				Issues:        verr.Issues,
			}, nil
		}
		return contextstore.ValidationReport{}, err
	}
	return store.Validate(), nil
}

// SaveResult archives v, a cot or tot result, under kind and id.
func (s *Store) SaveResult(ctx context.Context, kind ResultKind, id, sessionID, question string, v any) error {
	if err := validateID(id); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", id, err)
	}
	rec := ResultRecord{
		Kind:      kind,
		ID:        id,
		SessionID: sessionID,
		Question:  question,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	return s.db.PutJSON(ctx, resultKey(kind, id), rec)
}

// GetResult loads an archived result.
func (s *Store) GetResult(ctx context.Context, kind ResultKind, id string) (ResultRecord, error) {
	if err := validateID(id); err != nil {
		return ResultRecord{}, err
	}
	var rec ResultRecord
	if err := s.db.GetJSON(ctx, resultKey(kind, id), &rec); err != nil {
		if errors.Is(err, badgerkv.ErrNotFound) {
			return ResultRecord{}, fmt.Errorf("%w: %s/%s", ErrResultNotFound, kind, id)
		}
		return ResultRecord{}, err
	}
	return rec, nil
}

// ListResults returns archived results of kind, newest first, without
// payloads. A non-empty sessionID filters by session.
func (s *Store) ListResults(ctx context.Context, kind ResultKind, sessionID string) ([]ResultRecord, error) {
	var out []ResultRecord
	err := s.db.ScanPrefix(ctx, resultPrefix+string(kind)+"/", func(key string, value []byte) error {
		var rec ResultRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			s.logger.Warn("skipping unreadable result", slog.String("key", key), slog.String("error", err.Error()))
			return nil
		}
		if sessionID != "" && rec.SessionID != sessionID {
			return nil
		}
		rec.Payload = nil
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// History renders up to maxEntries of the newest session entries for use as
// background in a reasoning run. A missing session, an empty id or a
// non-positive maxEntries yields "".
func (s *Store) History(ctx context.Context, id string, maxEntries int) (string, error) {
	if id == "" || maxEntries <= 0 {
		return "", nil
	}
	entries, err := s.Window(ctx, id, maxEntries)
	if errors.Is(err, ErrSessionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return contextstore.Render(entries), nil
}

// Record archives result and, when sessionID is set, appends the question
// and the answer to that session.
func (s *Store) Record(ctx context.Context, kind ResultKind, sessionID, resultID, question, answer string, result any) error {
	if err := s.SaveResult(ctx, kind, resultID, sessionID, question, result); err != nil {
		return fmt.Errorf("archive result %s: %w", resultID, err)
	}
	if sessionID == "" {
		return nil
	}
	for _, e := range []contextstore.Entry{
		{Role: contextstore.RoleUser, Content: question},
		{Role: contextstore.RoleAssistant, Content: answer},
	} {
		if _, err := s.Append(ctx, sessionID, e); err != nil {
			return fmt.Errorf("record exchange in session %s: %w", sessionID, err)
		}
	}
	return nil
}
