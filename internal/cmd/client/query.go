package client

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregator counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			snap, err := newTransport(baseURL()).Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "received\t%d\n", snap.Received)
			_, _ = fmt.Fprintf(tw, "queue_size\t%d\n", snap.QueueSize)
			_, _ = fmt.Fprintf(tw, "unique_processed\t%d\n", snap.UniqueProcessed)
			_, _ = fmt.Fprintf(tw, "duplicate_dropped\t%d\n", snap.DuplicateDropped)
			_, _ = fmt.Fprintf(tw, "uptime_seconds\t%.2f\n", snap.UptimeSeconds)
			for _, t := range snap.Topics() {
				_, _ = fmt.Fprintf(tw, "topic %s\t%d\n", t, snap.TopicsProcessed[t])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print raw JSON")
	return cmd
}

func newEventsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List retained unique events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			filter, _ := cmd.Flags().GetString("filter")
			evs, err := newTransport(baseURL()).Events(cmd.Context(), topic, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), evs)
		},
	}
	cmd.Flags().String("topic", "", "Only events of this topic")
	cmd.Flags().String("filter", "", "CEL filter (server-side)")
	return cmd
}

func newResetCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe counters, the dedup table and retained events (requires --confirm)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			confirm, _ := cmd.Flags().GetBool("confirm")
			if !confirm {
				return errors.New("reset is irreversible; pass --confirm")
			}
			res, err := newTransport(baseURL()).Reset(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "status: %s\n", res.Status)
			_, _ = fmt.Fprintf(out, "warning: %s\n", res.Message)
			_, _ = fmt.Fprintf(out, "discarded_queued: %d cleared_retained: %d\n", res.DiscardedQueued, res.ClearedRetained)
			return nil
		},
	}
	cmd.Flags().Bool("confirm", false, "Confirm the destructive reset")
	return cmd
}
