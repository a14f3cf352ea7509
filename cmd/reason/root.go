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
	"io"

	"github.com/spf13/cobra"
)

// cli carries the shared flags and output streams into every subcommand.
type cli struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
}

// run builds the app, hands it to fn and closes it afterwards.
func (c *cli) run(fn func(a *app, r *renderer) error) error {
	a, err := newApp(c.opts, c.stderr)
	if err != nil {
		return err
	}
	err = fn(a, newRenderer(c.stdout, c.opts.jsonOut))
	return errors.Join(err, a.Close())
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "reason",
		Short: "Chain-of-thought and tree-of-thoughts reasoning over an LLM backend",
		Long: `reason drives structured reasoning against a configured LLM backend.

Configuration is read from --config (or $REASON_CONFIG), then overridden by
REASON_* environment variables and finally by flags.`,
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.opts.configPath, "config", "", "YAML or JSON config file")
	pf.StringVar(&c.opts.logLevel, "log-level", "", "log level: debug, info, warn, error (env REASON_LOG_LEVEL)")
	pf.StringVar(&c.opts.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&c.opts.backend, "backend", "", "LLM backend: openai, anthropic, ollama, llamacpp, mock")
	pf.StringVar(&c.opts.model, "model", "", "model name for the backend")
	pf.StringVar(&c.opts.sessionDir, "session-dir", "", "directory of the session database")
	pf.BoolVar(&c.opts.inMemory, "in-memory", false, "keep sessions in memory only")
	pf.BoolVar(&c.opts.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newCoTCmd(c),
		newToTCmd(c),
		newContextCmd(c),
		newServeCmd(c),
	)
	return root
}
