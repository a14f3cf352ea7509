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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReason/services/reasoning/contextstore"
)

func newContextCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage persisted context sessions",
	}
	cmd.AddCommand(
		newContextAddCmd(c),
		newContextGetCmd(c),
		newContextCompressCmd(c),
		newContextValidateCmd(c),
		newContextListCmd(c),
		newContextDeleteCmd(c),
	)
	return cmd
}

func newContextAddCmd(c *cli) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add <session> <content>",
		Short: "Append an entry to a session, creating it if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := contextstore.ParseRole(role)
			if err != nil {
				return fmt.Errorf("%w: %v", contextstore.ErrInvalidEntry, err)
			}
			return c.run(func(a *app, out *renderer) error {
				store, err := a.sessionStore()
				if err != nil {
					return err
				}
				entry, err := store.Append(cmd.Context(), args[0], contextstore.Entry{
					Role:    r,
					Content: strings.Join(args[1:], " "),
				})
				if err != nil {
					return err
				}
				return out.entry(args[0], entry)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(contextstore.RoleUser), "entry role: system, user, assistant, summary")
	return cmd
}

func newContextGetCmd(c *cli) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "get <session>",
		Short: "Print the entries of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if window < 0 {
				return fmt.Errorf("--window must not be negative")
			}
			return c.run(func(a *app, out *renderer) error {
				store, err := a.sessionStore()
				if err != nil {
					return err
				}
				entries, err := store.Window(cmd.Context(), args[0], window)
				if err != nil {
					return err
				}
				return out.entries(args[0], entries)
			})
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "only the newest N entries (0 prints all)")
	return cmd
}

func newContextCompressCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "compress <session>",
		Short: "Fold old entries of a session into a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(a *app, out *renderer) error {
				store, err := a.sessionStore()
				if err != nil {
					return err
				}
				report, err := store.Compress(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.compression(report)
			})
		},
	}
}

func newContextValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <session>",
		Short: "Check the invariants of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(a *app, out *renderer) error {
				store, err := a.sessionStore()
				if err != nil {
					return err
				}
				report, err := store.Validate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := out.validation(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("session %s is invalid", args[0])
				}
				return nil
			})
		},
	}
}

func newContextListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(func(a *app, out *renderer) error {
				store, err := a.sessionStore()
				if err != nil {
					return err
				}
				list, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				return out.sessions(list)
			})
		},
	}
}

func newContextDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(a *app, out *renderer) error {
				store, err := a.sessionStore()
				if err != nil {
					return err
				}
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				out.line("✓ deleted %s", args[0])
				return nil
			})
		},
	}
}
