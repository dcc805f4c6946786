package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/guestlink/internal/store"
)

func historyCmd() *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded link sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(dataDir())
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.SessionList(context.Background(), limit)
			if err != nil {
				return err
			}
			return printHistory(os.Stdout, recs, format)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to show (0 for all)")
	cmd.Flags().StringVarP(&format, "format", "o", "table", "Output format: table, yaml or json")
	cmd.AddCommand(historyPruneCmd())
	return cmd
}

func historyPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished sessions older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(dataDir())
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.SessionPrune(context.Background(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d session(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Delete sessions that ended longer ago than this")
	return cmd
}

func printHistory(w io.Writer, recs []store.SessionRecord, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if recs == nil {
			recs = []store.SessionRecord{}
		}
		return enc.Encode(recs)

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(recs); err != nil {
			return err
		}
		return enc.Close()

	case "table", "":
		if len(recs) == 0 {
			fmt.Fprintln(w, "No sessions recorded.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tROLE\tTRANSPORT\tLINK\tSTARTED\tDURATION\tFRAMES IN/OUT\tSTATUS")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				shortID(r.ID), r.Role, r.Transport, r.Link,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				sessionDuration(r), r.FramesIn, r.FramesOut, sessionStatus(r))
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown format %q (want table, yaml or json)", format)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sessionDuration(r store.SessionRecord) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func sessionStatus(r store.SessionRecord) string {
	switch {
	case r.EndedAt == nil:
		return "running"
	case r.Error != "":
		return "failed: " + r.Error
	case !r.Synced:
		return "no handshake"
	default:
		return "ok"
	}
}
