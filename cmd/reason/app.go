// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianReason/services/llm"
	"github.com/AleutianAI/AleutianReason/services/reasoning/config"
	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
	"github.com/AleutianAI/AleutianReason/services/reasoning/cot"
	"github.com/AleutianAI/AleutianReason/services/reasoning/session"
	"github.com/AleutianAI/AleutianReason/services/reasoning/tot"
	"github.com/AleutianAI/AleutianReason/services/storage/badgerkv"
	"github.com/AleutianAI/AleutianReason/services/telemetry"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	backend    string
	model      string
	sessionDir string
	inMemory   bool
	jsonOut    bool
}

// app holds everything a subcommand needs. Build it with newApp and always
// Close it.
type app struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	logLevel   *slog.LevelVar
	gateway    llm.Gateway

	db       *badgerkv.DB
	sessions *session.Store
}

func newApp(opts globalOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if opts.backend != "" {
		cfg.LLM.Backend = opts.backend
	}
	if opts.model != "" {
		cfg.LLM.Model = opts.model
	}
	if opts.sessionDir != "" {
		cfg.Session.Path = opts.sessionDir
	}
	if opts.inMemory {
		cfg.Session.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, level, err := telemetry.NewLeveledLogger(stderr, cfg.Log)
	if err != nil {
		return nil, err
	}

	raw, err := llm.NewGateway(cfg.LLM)
	if err != nil {
		return nil, err
	}
	path := opts.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	return &app{
		cfg:        cfg,
		configPath: path,
		logger:     logger,
		logLevel:   level,
		gateway:    llm.NewResilientGateway(raw, cfg.Resilience(), logger),
	}, nil
}

// applyReload takes the settings that can change without a restart from a
// reloaded file. Only the log level qualifies; a --log-level flag wins.
func (a *app) applyReload(cfg config.Config, flagLevel string) {
	if flagLevel != "" {
		return
	}
	lvl, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return
	}
	if a.logLevel.Level() != lvl {
		a.logger.Info("log level changed", slog.String("level", lvl.String()))
		a.logLevel.Set(lvl)
	}
}

func (a *app) reasoner() (*cot.Reasoner, error) {
	return cot.NewReasoner(a.gateway, a.cfg.CoT, cot.WithLogger(a.logger))
}

func (a *app) explorer() (*tot.Explorer, error) {
	return tot.NewExplorer(a.gateway, a.cfg.ToT, tot.WithLogger(a.logger))
}

// sessionStore opens the session database on first use.
func (a *app) sessionStore() (*session.Store, error) {
	if a.sessions != nil {
		return a.sessions, nil
	}
	dbCfg := a.cfg.Session.Config
	if a.cfg.Log.Level == "debug" {
		dbCfg.Logger = a.logger.With(slog.String("component", "badger"))
	}
	db, err := badgerkv.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	store, err := session.NewStore(db, a.cfg.Context,
		session.WithLogger(a.logger),
		session.WithSummarizer(contextstore.NewLLMSummarizer(a.gateway)),
	)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	a.db = db
	a.sessions = store
	return store, nil
}

func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
