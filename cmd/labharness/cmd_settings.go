package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/labharness/pkg/cli"
	"github.com/newtron-network/labharness/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.labharness/settings.yaml.

Every setting can be overridden by an environment variable, for example
LABHARNESS_TESTBED or LABHARNESS_REDIS_ADDR.

Examples:
  labharness settings show
  labharness settings set testbed /etc/labharness/lab1.yaml
  labharness settings set redis localhost:6379
  labharness settings clear`,
}

type settingField struct {
	get func(s *settings.Settings) string
	set func(s *settings.Settings, v string) error
}

var settingFields = map[string]settingField{
	"testbed": {
		get: func(s *settings.Settings) string { return s.Testbed },
		set: func(s *settings.Settings, v string) error { s.SetTestbed(v); return nil },
	},
	"log_level": {
		get: func(s *settings.Settings) string { return s.Log.Level },
		set: func(s *settings.Settings, v string) error { s.Log.Level = v; return nil },
	},
	"log_format": {
		get: func(s *settings.Settings) string { return s.Log.Format },
		set: func(s *settings.Settings, v string) error {
			if v != "text" && v != "json" {
				return fmt.Errorf("log_format must be text or json")
			}
			s.Log.Format = v
			return nil
		},
	},
	"log_file": {
		get: func(s *settings.Settings) string { return s.Log.File },
		set: func(s *settings.Settings, v string) error { s.Log.File = v; return nil },
	},
	"redis": {
		get: func(s *settings.Settings) string { return s.Redis.Addr },
		set: func(s *settings.Settings, v string) error { s.SetRedis(v, s.Redis.DB); return nil },
	},
	"redis_db": {
		get: func(s *settings.Settings) string { return strconv.Itoa(s.Redis.DB) },
		set: func(s *settings.Settings, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("redis_db: %w", err)
			}
			s.Redis.DB = n
			return nil
		},
	},
	"run_ttl": {
		get: func(s *settings.Settings) string { return s.Redis.RunTTL.String() },
		set: func(s *settings.Settings, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("run_ttl: %w", err)
			}
			s.Redis.RunTTL = d
			return nil
		},
	},
	"known_hosts": {
		get: func(s *settings.Settings) string { return s.KnownHosts },
		set: func(s *settings.Settings, v string) error { s.KnownHosts = v; return nil },
	},
	"workers": {
		get: func(s *settings.Settings) string { return strconv.Itoa(s.Workers) },
		set: func(s *settings.Settings, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("workers must be a positive integer")
			}
			s.Workers = n
			return nil
		},
	},
}

var settingNames = []string{"testbed", "log_level", "log_format", "log_file", "redis", "redis_db", "run_ttl", "known_hosts", "workers"}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "Settings file: %s\n\n", settings.DefaultSettingsPath())
		t := cli.NewTableTo(cmd.OutOrStdout(), "SETTING", "VALUE")
		for _, name := range settingNames {
			v := settingFields[name].get(userSettings)
			if v == "" {
				v = "(not set)"
			}
			t.Row(name, v)
		}
		t.Flush()
		return nil
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <setting>",
	Short: "Get a setting value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, ok := settingFields[args[0]]
		if !ok {
			return fmt.Errorf("unknown setting: %s (valid: %v)", args[0], settingNames)
		}
		fmt.Fprintln(cmd.OutOrStdout(), f.get(userSettings))
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, ok := settingFields[args[0]]
		if !ok {
			return fmt.Errorf("unknown setting: %s (valid: %v)", args[0], settingNames)
		}
		if err := f.set(userSettings, args[1]); err != nil {
			return err
		}
		if err := userSettings.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s set to: %s\n", args[0], args[1])
		return nil
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset all settings to defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		userSettings.Clear()
		if err := userSettings.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Settings cleared.")
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsGetCmd, settingsSetCmd, settingsClearCmd)
}
