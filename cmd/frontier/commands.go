package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run intake and dispatch when configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			a.Logger().Info("serve finished")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move every queued entry of one session to another session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Frontier().UpdateSessionID(cmd.Context(), from, to); err != nil {
				return fmt.Errorf("migrate %s to %s: %w", from, to, err)
			}
			a.Logger().Info("session migrated", zap.String("from", from), zap.String("to", to))
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s -> %s\n", from, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "current session id")
	cmd.Flags().StringVar(&to, "to", "", "new session id")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newReseedCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "reseed",
		Short: "Queue every URL crawled in a previous session into a new session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Frontier().GenerateURLQueues(cmd.Context(), from, to)
			if err != nil {
				return fmt.Errorf("reseed %s from %s: %w", to, from, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d urls for %s\n", n, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "session whose crawl results seed the queue")
	cmd.Flags().StringVar(&to, "to", "", "session to queue into")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var session string
	var keepResults bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete a session's queue, URL filters and, unless kept, crawl results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			queued, err := a.Frontier().DeleteSession(ctx, session)
			if err != nil {
				return fmt.Errorf("purge queue: %w", err)
			}
			filters, err := a.Filters().DeleteSession(ctx, session)
			if err != nil {
				return fmt.Errorf("purge filters: %w", err)
			}
			var records int64
			if !keepResults {
				if records, err = a.Results().DeleteSession(ctx, session); err != nil {
					return fmt.Errorf("purge results: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s: queue=%d filters=%d results=%d\n", session, queued, filters, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to purge")
	cmd.Flags().BoolVar(&keepResults, "keep-results", false, "keep crawl results")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
