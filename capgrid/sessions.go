package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/itohio/capgrid/pkg/sample"
	"github.com/itohio/capgrid/pkg/store"
	"github.com/spf13/cobra"
)

type sessionsOptions struct {
	*rootOptions
	DB    string
	Limit int
}

func newSessionsCommand(root *rootOptions) *cobra.Command {
	opts := &sessionsOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded acquisition sessions",
		Long: `List the sessions recorded in the SQLite store, newest first.

Example:
  capgrid sessions --limit 5
  capgrid sessions show 3f2a...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", opts.Limit)
			}
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer closeStore(st)

			sessions, err := st.Sessions(cmd.Context(), opts.Limit)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "SQLite session database override")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "Maximum number of sessions")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one session and its baseline table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer closeStore(st)
			return showSession(cmd.Context(), cmd.OutOrStdout(), st, args[0])
		},
	})

	return cmd
}

func (o *sessionsOptions) open() (*store.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Store.Path
	if o.DB != "" {
		path = o.DB
	}
	if path == "" {
		return nil, errors.New("no session store configured (set store.path or --db)")
	}
	return store.Open(path)
}

func printSessions(out io.Writer, sessions []store.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "No sessions recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tPORT\tGRID\tSAMPLES\tLOST")
	for _, s := range sessions {
		duration := "running"
		if !s.FinishedAt.IsZero() {
			duration = s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dx%d\t%s\t%s\n",
			s.ID,
			s.StartedAt.Local().Format(time.DateTime),
			duration,
			s.Port,
			s.Rows, s.Cols,
			humanize.Comma(int64(s.Samples)),
			humanize.Comma(int64(s.Lost)))
	}
	return tw.Flush()
}

func showSession(ctx context.Context, out io.Writer, st *store.Store, id string) error {
	sess, err := st.Session(ctx, id)
	if err != nil {
		return err
	}
	table, err := st.Baselines(ctx, id)
	if err != nil {
		return err
	}
	if err := printSessions(out, []store.Session{sess}); err != nil {
		return err
	}

	keys := make([]sample.NodeKey, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Row != keys[j].Row {
			return keys[i].Row < keys[j].Row
		}
		return keys[i].Col < keys[j].Col
	})

	fmt.Fprintf(out, "\nBaselines (%d nodes):\n", len(keys))
	for _, k := range keys {
		fmt.Fprintf(out, "  %-7s %.0f\n", k, table[k])
	}
	return nil
}
