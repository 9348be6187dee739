// Labharness - network lab testbed harness
//
// Drives the devices of a lab testbed the way a test run does: connect with
// bounded retry, prove each device answers in privileged mode, reload over
// the console or the host API, and correlate the management server's error
// log with the window of an action.
//
// Examples:
//
//	labharness -t lab1.yaml connect --clear-lines
//	labharness -t lab1.yaml enable rtr-1 rtr-2
//	labharness -t lab1.yaml reload rtr-1 rtr-2 tps-1
//	labharness -t lab1.yaml logs mark --key provision-42
//	labharness -t lab1.yaml logs check --key provision-42 --subsystem inventory
//	labharness -t lab1.yaml logs tail --expect "Job 42 finished" --timeout 5m
//	labharness -t lab1.yaml clear-line rtr-1
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/newtron-network/labharness/pkg/cli"
	"github.com/newtron-network/labharness/pkg/settings"
	"github.com/newtron-network/labharness/pkg/util"
	"github.com/newtron-network/labharness/pkg/version"
)

var (
	// Global option flags
	testbedPath string
	logLevel    string
	logFile     string
	jsonOutput  bool
	redisAddr   string

	// Global state
	userSettings *settings.Settings
	logCloser    io.Closer
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "labharness",
	Short:             "Network lab testbed harness",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Labharness connects to, enables and reloads the devices of a lab testbed
and correlates the management server's error log with test actions.

Defaults come from ~/.labharness/settings.yaml and LABHARNESS_* variables.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}
		return applyGlobals(cmd)
	},
}

// applyGlobals merges flags over settings and configures logging.
func applyGlobals(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if testbedPath == "" {
		testbedPath = userSettings.Testbed
	}
	if !flags.Changed("redis") && redisAddr == "" {
		redisAddr = userSettings.Redis.Addr
	}
	level := logLevel
	if !flags.Changed("log-level") && userSettings.Log.Level != "" {
		level = userSettings.Log.Level
	}
	if err := util.SetLogLevel(level); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	if jsonOutput || userSettings.JSONLogs() {
		util.SetJSONFormat()
	}
	if jsonOutput {
		cli.SetColor(false)
	}
	path := logFile
	if path == "" {
		path = userSettings.Log.File
	}
	closer, err := util.SetLogFile(util.LogFileConfig{Path: path, MaxBackups: 5, MaxAgeDays: 14, Compress: true})
	if err != nil {
		return fmt.Errorf("--log-file: %w", err)
	}
	logCloser = closer
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&testbedPath, "testbed", "t", "", "Testbed file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this rotated file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output and JSON logs")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address for shared marks and results (default: in-process)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "device", Title: "Device Operations:"},
		&cobra.Group{ID: "logs", Title: "Log Forensics:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)

	for _, cmd := range []*cobra.Command{
		connectCmd, enableCmd, reloadCmd, pingCmd, clearLineCmd, filesCmd,
	} {
		cmd.GroupID = "device"
		rootCmd.AddCommand(cmd)
	}

	logsCmd.GroupID = "logs"
	rootCmd.AddCommand(logsCmd)

	for _, cmd := range []*cobra.Command{resultsCmd, settingsCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"version": version.Version, "commit": version.GitCommit, "built": version.BuildDate,
			})
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		return err
	},
}
