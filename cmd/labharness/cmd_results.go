package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/labharness/pkg/cli"
	"github.com/newtron-network/labharness/pkg/store"
	"github.com/newtron-network/labharness/pkg/util"
)

var resultsCmd = &cobra.Command{
	Use:   "results <run-id>",
	Short: "Show the published results of a reload or ping run",
	Long: `Show the per-device results that a reload or ping run published.

Results outlive the run only in Redis (--redis or redis.addr in settings);
they expire after redis.run_ttl.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runID := args[0]
		results, err := st.Results(ctx, runID)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return fmt.Errorf("run %s: %w", runID, util.ErrNotFound)
		}
		return printResults(cmd, runID, results)
	},
}

func printResults(cmd *cobra.Command, runID string, results map[string]store.Result) error {
	ids := store.SortedIDs(results)
	if jsonOutput {
		out := make([]store.Result, 0, len(ids))
		for _, id := range ids {
			out = append(out, results[id])
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{"run": runID, "results": out})
	}

	failed := 0
	t := cli.NewTableTo(cmd.OutOrStdout(), "TASK", "RESULT", "DURATION", "FINISHED", "DETAIL")
	for _, id := range ids {
		r := results[id]
		if !r.OK {
			failed++
		}
		detail := r.Message
		if r.Error != "" {
			detail = r.Error
		}
		t.Row(id, cli.PassFail(r.OK), r.Duration.Round(time.Millisecond).String(),
			r.Finished.Local().Format("15:04:05"), util.Truncate(detail, 80))
	}
	t.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d failed\n", failed, len(ids))
	return nil
}
