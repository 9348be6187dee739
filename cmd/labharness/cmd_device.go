package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/labharness/pkg/cli"
	"github.com/newtron-network/labharness/pkg/device"
	"github.com/newtron-network/labharness/pkg/lineclear"
	"github.com/newtron-network/labharness/pkg/parallel"
	"github.com/newtron-network/labharness/pkg/ping"
	"github.com/newtron-network/labharness/pkg/util"
)

var (
	clearLines bool
	deviceRole string
)

var connectCmd = &cobra.Command{
	Use:   "connect [eid...]",
	Short: "Connect to testbed devices with bounded retry",
	Long: `Connect to the given devices, or to every device in the testbed.

Each device gets up to three attempts one minute apart; console-reachable
devices have their terminal-server line cleared between attempts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := newHarness(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		eids, err := selectDevices(h.tb, args, deviceRole)
		if err != nil {
			return err
		}
		report := h.mgr.ConnectTestbed(ctx, device.ConnectOptions{
			ClearLines: clearLines,
			Devices:    eids,
		})
		if jsonOutput {
			errs := make(map[string]string, len(report.Errors))
			for eid, e := range report.Errors {
				errs[eid] = e.Error()
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"connected": report.Connected, "failed": report.Failed, "errors": errs,
			}); err != nil {
				return err
			}
		} else {
			t := cli.NewTableTo(cmd.OutOrStdout(), "DEVICE", "STATE", "ERROR")
			for _, eid := range report.Connected {
				t.Row(eid, cli.Green(h.mgr.State(eid).String()), "")
			}
			for _, eid := range report.Failed {
				t.Row(eid, cli.Red("failed"), errString(report.Errors[eid]))
			}
			t.Flush()
		}
		return failures(len(report.Failed), "devices")
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable [eid...]",
	Short: "Connect and prove each device answers in privileged mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := newHarness(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		eids, err := selectDevices(h.tb, args, deviceRole)
		if err != nil {
			return err
		}
		h.mgr.ConnectTestbed(ctx, device.ConnectOptions{ClearLines: clearLines, Devices: eids})

		var results []device.EnableResult
		failed := 0
		for _, eid := range eids {
			res := h.mgr.EnableDevice(ctx, eid)
			if !res.Available {
				failed++
			}
			results = append(results, res)
		}

		if jsonOutput {
			out := make([]map[string]interface{}, 0, len(results))
			for _, r := range results {
				out = append(out, map[string]interface{}{
					"eid": r.EID, "available": r.Available, "attempts": r.Attempts, "error": errString(r.Err),
				})
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
		} else {
			t := cli.NewTableTo(cmd.OutOrStdout(), "DEVICE", "AVAILABLE", "ATTEMPTS", "ERROR")
			for _, r := range results {
				t.Row(r.EID, cli.PassFail(r.Available), strconv.Itoa(r.Attempts), errString(r.Err))
			}
			t.Flush()
		}
		return failures(failed, "devices")
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload <eid>... | --role <role>",
	Short: "Reload devices in parallel and wait for them to come back",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Reloading every device needs an explicit selection.
		if len(args) == 0 && deviceRole == "" {
			return fmt.Errorf("reload: give device EIDs or --role: %w", util.ErrMissingArgument)
		}
		ctx := cmd.Context()
		h, err := newHarness(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		eids, err := selectDevices(h.tb, args, deviceRole)
		if err != nil {
			return err
		}
		results := h.mgr.MultipleDeviceReload(ctx, eids)
		failed := 0
		ids := make([]string, 0, len(results))
		for eid, r := range results {
			ids = append(ids, eid)
			if !r.Completed || !r.Reachable {
				failed++
			}
		}
		sort.Strings(ids)

		if jsonOutput {
			out := make([]map[string]interface{}, 0, len(ids))
			for _, eid := range ids {
				r := results[eid]
				out = append(out, map[string]interface{}{
					"eid": eid, "completed": r.Completed, "reachable": r.Reachable,
					"message": r.Message, "skipped_prompts": r.Skipped, "error": errString(r.Err),
				})
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]interface{}{"run": h.runID, "results": out}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s\n", h.runID)
			t := cli.NewTableTo(cmd.OutOrStdout(), "DEVICE", "COMPLETED", "REACHABLE", "MESSAGE")
			for _, eid := range ids {
				r := results[eid]
				t.Row(eid, cli.YesNo(r.Completed), cli.PassFail(r.Reachable), r.Message)
			}
			t.Flush()
		}
		return failures(failed, "reloads")
	},
}

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping <eid|host>...",
	Short: "Check ICMP reachability",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		hosts := make([]string, len(args))
		copy(hosts, args)
		// Device EIDs resolve to their address when a testbed is given.
		if testbedPath != "" {
			tb, err := loadTestbed()
			if err != nil {
				return err
			}
			for i, a := range hosts {
				if d, ok := tb.Device(a); ok {
					hosts[i] = d.Address
				}
			}
		}

		probe := ping.New()
		probe.Count = pingCount
		tasks := make([]parallel.Task, 0, len(args))
		for i, target := range args {
			host := hosts[i]
			tasks = append(tasks, parallel.Task{ID: target, Run: func(ctx context.Context) parallel.Outcome {
				return parallel.Outcome{OK: probe.Check(ctx, host), Message: host}
			}})
		}
		runner := &parallel.Runner{Workers: userSettings.Workers}
		// Ping results are only worth publishing where another process can
		// read them.
		if redisAddr != "" {
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			runner.Sink = st
			runner.RunID = parallel.NewRunID()
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %s\n", runner.RunID)
		}
		outcomes, err := runner.Run(ctx, tasks)
		if err != nil {
			return err
		}

		failed := len(parallel.Failed(outcomes))
		if jsonOutput {
			out := make(map[string]bool, len(outcomes))
			for id, o := range outcomes {
				out[id] = o.OK
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
		} else {
			t := cli.NewTableTo(cmd.OutOrStdout(), "TARGET", "ADDRESS", "REACHABLE")
			for i, target := range args {
				if o, ok := outcomes[target]; ok {
					t.Row(target, hosts[i], cli.PassFail(o.OK))
				}
			}
			t.Flush()
		}
		return failures(failed, "targets")
	},
}

var clearLineCmd = &cobra.Command{
	Use:   "clear-line <eid>",
	Short: "Force-close a device's terminal-server line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tb, err := loadTestbed()
		if err != nil {
			return err
		}
		dev, ok := tb.Device(args[0])
		if !ok {
			return fmt.Errorf("unknown device %q", args[0])
		}
		if dev.Console == nil {
			return fmt.Errorf("device %s has no console line", dev.EID)
		}
		c := dev.Console
		if c.Password == "" {
			if pw, err := secretReader(fmt.Sprintf("Password for term server %s", c.TermServer)); err == nil {
				c.Password = pw
			}
		}
		start := time.Now()
		if err := lineclear.New().ForceCloseLine(cmd.Context(), c.TermServer, c.Line, c.Password); err != nil {
			return fmt.Errorf("clearing line %d on %s: %w", c.Line, c.TermServer, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared line %d on %s in %s\n", c.Line, c.TermServer, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Copy or delete files on a device",
}

var filesCopyCmd = &cobra.Command{
	Use:   "copy <eid> <src> <dst>",
	Short: "Copy a file on the device and verify it exists",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, args[0], func(h *harness) bool {
			return h.mgr.CopyFile(cmd.Context(), args[0], args[1], args[2])
		})
	},
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <eid> <name>...",
	Short: "Delete files on the device and verify they are gone",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, args[0], func(h *harness) bool {
			return h.mgr.DeleteFiles(cmd.Context(), args[0], args[1:]...)
		})
	},
}

// withConnected connects one device and reports fn's verdict.
func withConnected(cmd *cobra.Command, eid string, fn func(h *harness) bool) error {
	ctx := cmd.Context()
	h, err := newHarness(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.mgr.Connect(ctx, eid, clearLines); err != nil {
		return err
	}
	ok := fn(h)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cli.DotPad(cmd.Name()+" on "+eid, 30), cli.PassFail(ok))
	if !ok {
		return fmt.Errorf("%s on %s failed", cmd.Name(), eid)
	}
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{connectCmd, enableCmd, filesCopyCmd, filesDeleteCmd} {
		cmd.Flags().BoolVar(&clearLines, "clear-lines", false, "Clear console lines before the first attempt")
	}
	for _, cmd := range []*cobra.Command{connectCmd, enableCmd, reloadCmd} {
		cmd.Flags().StringVarP(&deviceRole, "role", "r", "", "Select devices by role (nms, db, tps, mesh-simulator, management, console)")
	}
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", ping.DefaultCount, "Echo requests per target")
	filesCmd.AddCommand(filesCopyCmd, filesDeleteCmd)
}
