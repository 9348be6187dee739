package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/labharness/pkg/cli"
	"github.com/newtron-network/labharness/pkg/device"
	"github.com/newtron-network/labharness/pkg/logtail"
	"github.com/newtron-network/labharness/pkg/util"
)

var (
	markKey       string
	subsystems    []string
	extraFilters  []string
	actionFailed  bool
	expectFrags   []string
	followPattern string
	followTimeout time.Duration
	followEvery   time.Duration
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Mark, check and follow the management server log",
	Long: `Correlate the management server's error log with a test action.

  labharness logs mark --key provision-42     # before the action
  ...run the action...
  labharness logs check --key provision-42    # after it

Marks are kept in Redis when --redis is set so that separate invocations
(and separate hosts) see them.`,
}

var logsMarkCmd = &cobra.Command{
	Use:   "mark",
	Short: "Record the current end of the log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd, func(ctx context.Context, lh *logHarness) error {
			// A re-mark under the same key never moves backwards.
			prev, err := lh.store.LoadMark(ctx, lh.key)
			switch {
			case err == nil:
				lh.correlator.Resume(logtail.Position(prev))
			case !errors.Is(err, util.ErrNotFound):
				return err
			}
			pos, err := lh.correlator.Mark(ctx)
			if err != nil {
				return err
			}
			if err := lh.store.SaveMark(ctx, lh.key, int64(pos)); err != nil {
				return fmt.Errorf("saving mark: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"key": markKey, "position": pos})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s at line %d\n", markKey, pos)
			return nil
		})
	},
}

var logsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Fail if unexpected error lines appeared after a mark",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd, func(ctx context.Context, lh *logHarness) error {
			pos, err := lh.store.LoadMark(ctx, lh.key)
			if errors.Is(err, util.ErrNotFound) {
				return fmt.Errorf("no mark %q: run 'labharness logs mark --key %s' first", markKey, markKey)
			}
			if err != nil {
				return err
			}
			v := lh.correlator.Check(ctx, logtail.Position(pos), actionFailed, logtail.CheckOptions{
				Subsystems: splitAll(subsystems),
				Filters:    extraFilters,
			})
			if err := printVerdict(cmd.OutOrStdout(), markKey, pos, v); err != nil {
				return err
			}
			if v.Failed {
				return fmt.Errorf("log check %s: %s", markKey, v)
			}
			return nil
		})
	},
}

var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Wait for expected fragments to appear in the log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(expectFrags) == 0 {
			return fmt.Errorf("at least one --expect fragment is required")
		}
		return withLog(cmd, func(ctx context.Context, lh *logHarness) error {
			f := &logtail.Follower{Reader: lh.reader}
			res := f.Tail(ctx, logtail.FollowRequest{
				LogPath:      lh.correlator.LogPath,
				Pattern:      followPattern,
				Checklist:    expectFrags,
				Timeout:      followTimeout,
				PollInterval: followEvery,
			})
			if err := printFollow(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("%d fragments not seen", len(res.Missing))
			}
			return nil
		})
	},
}

type logHarness struct {
	*harness
	reader     *logtail.Reader
	correlator *logtail.Correlator
	key        string
}

// withLog connects to the testbed's log server and runs fn against it.
func withLog(cmd *cobra.Command, fn func(ctx context.Context, lh *logHarness) error) error {
	ctx := cmd.Context()
	h, err := newHarness(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	ls := h.tb.LogServer
	if ls.Device == "" {
		return fmt.Errorf("testbed %s has no log_server", h.tb.Name)
	}
	if err := h.mgr.Connect(ctx, ls.Device, false); err != nil {
		return err
	}
	sc, ok := h.mgr.Conn(ls.Device).(device.SSHClienter)
	if !ok {
		return fmt.Errorf("log server %s is not reachable over SSH", ls.Device)
	}
	reader := &logtail.Reader{Streamer: &logtail.SSHStreamer{Client: sc.SSHClient()}}
	return fn(ctx, &logHarness{
		harness:    h,
		reader:     reader,
		correlator: &logtail.Correlator{Reader: reader, LogPath: ls.LogPath, ErrorPattern: ls.ErrorPattern},
		key:        h.tb.Name + "/" + markKey,
	})
}

func printVerdict(w io.Writer, key string, pos int64, v logtail.Verdict) error {
	if jsonOutput {
		return printJSON(w, map[string]interface{}{
			"key": key, "from_line": pos + 1, "failed": v.Failed,
			"residual": v.Residual, "suppressed": v.Suppressed, "error": errString(v.Err),
		})
	}
	for _, line := range v.Residual {
		fmt.Fprintln(w, "  "+cli.Red(util.Truncate(line, 200)))
	}
	_, err := fmt.Fprintf(w, "%s %s\n", cli.DotPad("log check "+key, 40), cli.PassFail(!v.Failed))
	return err
}

func printFollow(w io.Writer, res logtail.FollowResult) error {
	if jsonOutput {
		return printJSON(w, map[string]interface{}{
			"matched": res.Matched, "missing": res.Missing, "lines": res.Lines, "error": errString(res.Err),
		})
	}
	t := cli.NewTableTo(w, "FRAGMENT", "SEEN")
	for _, m := range res.Matched {
		t.Row(m, cli.PassFail(true))
	}
	for _, m := range res.Missing {
		t.Row(m, cli.PassFail(false))
	}
	t.Flush()
	return nil
}

func splitAll(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, util.SplitCommaSeparated(v)...)
	}
	return out
}

func init() {
	for _, cmd := range []*cobra.Command{logsMarkCmd, logsCheckCmd} {
		cmd.Flags().StringVarP(&markKey, "key", "k", "default", "Mark name")
	}
	logsCheckCmd.Flags().StringSliceVarP(&subsystems, "subsystem", "s", nil, "Only error lines mentioning these subsystems")
	logsCheckCmd.Flags().StringArrayVar(&extraFilters, "filter", nil, "Additional benign fragment to suppress (repeatable)")
	logsCheckCmd.Flags().BoolVar(&actionFailed, "fail", false, "The action itself failed; fail the check regardless of the log")

	logsTailCmd.Flags().StringArrayVarP(&expectFrags, "expect", "e", nil, "Fragment that must appear (repeatable)")
	logsTailCmd.Flags().StringVar(&followPattern, "pattern", "", "Extended regex prefilter (default: any expected fragment)")
	logsTailCmd.Flags().DurationVar(&followTimeout, "timeout", logtail.DefaultFollowTimeout, "Give up after this long")
	logsTailCmd.Flags().DurationVar(&followEvery, "interval", logtail.DefaultFollowInterval, "Progress report interval")

	logsCmd.AddCommand(logsMarkCmd, logsCheckCmd, logsTailCmd)
}
