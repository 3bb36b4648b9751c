// File: cmd/sessions.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/visorlabs/visor-cli/internal/observability"
	"github.com/visorlabs/visor-cli/internal/store"
)

// newSessionsCommand builds `visor sessions`, inspection of persisted runs.
func newSessionsCommand() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions.",
	}
	sessionsCmd.AddCommand(newSessionsListCommand(), newSessionsShowCommand())
	return sessionsCmd
}

// openStore connects to the configured database. It is a hard error to use
// these commands without store.dsn set.
func openStore(ctx context.Context) (*store.Store, func(), error) {
	if loadedCfg.Store.DSN == "" {
		return nil, nil, fmt.Errorf("store.dsn is not configured (set VISOR_STORE_DSN or store.dsn)")
	}
	pool, err := pgxpool.New(ctx, loadedCfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	st, err := store.New(ctx, pool, observability.GetLogger())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

func newSessionsListCommand() *cobra.Command {
	var limit int

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			results, err := st.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tGOAL")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status,
					r.StartedAt.Local().Format(time.RFC3339),
					r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
					r.Goal)
			}
			return w.Flush()
		},
	}

	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions to list")
	return listCmd
}

func newSessionsShowCommand() *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one session with its full step history as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			result, err := st.GetResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return showCmd
}
