package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/groupstream/internal/backend"
	"github.com/user/groupstream/internal/types"
)

var eventsAfter int64

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runGetCmd, runEventsCmd)
	runEventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "only show events with seq greater than this")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect runs",
}

func openStores(ctx context.Context) (*backend.Stores, error) {
	cfg := loadConfig()
	setupLogging(cfg)
	return backend.Open(ctx, cfg)
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()

		meta, err := stores.Runs.Get(ctx, types.RunID(args[0]))
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	},
}

var runEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "List a run's events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()

		runID := types.RunID(args[0])
		if _, err := stores.Runs.Get(ctx, runID); err != nil {
			return fmt.Errorf("get run: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tAT\tPAYLOAD")
		after := eventsAfter
		for {
			events, err := stores.Events.ReadAfter(ctx, runID, after, 500)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Type, ev.At.Format(time.RFC3339), ev.Payload)
				after = ev.Seq
			}
		}
		return w.Flush()
	},
}
