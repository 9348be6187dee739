// Package settings manages persistent harness settings for the labharness CLI.
// Values come from ~/.labharness/settings.yaml and can be overridden by
// LABHARNESS_* environment variables (LABHARNESS_REDIS_ADDR for redis.addr).
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LABHARNESS"

// Settings holds persistent harness preferences.
type Settings struct {
	// Testbed is the testbed file used when --testbed is not given.
	Testbed string `mapstructure:"testbed" yaml:"testbed,omitempty"`

	Log   LogSettings   `mapstructure:"log" yaml:"log"`
	Redis RedisSettings `mapstructure:"redis" yaml:"redis"`

	// KnownHosts is the testbed-wide known_hosts file reset before each
	// SSH connect attempt.
	KnownHosts string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`

	// Workers bounds parallel device operations.
	Workers int `mapstructure:"workers" yaml:"workers,omitempty"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level,omitempty"`
	Format string `mapstructure:"format" yaml:"format,omitempty"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// RedisSettings selects the shared store. An empty Addr keeps marks and
// results in process memory.
type RedisSettings struct {
	Addr   string        `mapstructure:"addr" yaml:"addr,omitempty"`
	DB     int           `mapstructure:"db" yaml:"db,omitempty"`
	RunTTL time.Duration `mapstructure:"run_ttl" yaml:"run_ttl,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "labharness_settings.yaml"
	}
	return filepath.Join(home, ".labharness", "settings.yaml")
}

// DefaultKnownHostsPath returns the default testbed known_hosts file.
func DefaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "labharness_known_hosts"
	}
	return filepath.Join(home, ".labharness", "known_hosts")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("testbed", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.run_ttl", 24*time.Hour)
	v.SetDefault("known_hosts", DefaultKnownHostsPath())
	v.SetDefault("workers", 8)
	return v
}

// Load reads settings from the default location.
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from path. A missing file yields the defaults plus
// any environment overrides.
func LoadFrom(path string) (*Settings, error) {
	v := newViper()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decoding settings %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to the default location.
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to path, creating its directory.
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	// Zero values are left out so that loading falls back to the defaults.
	set := func(key string, val interface{}, zero bool) {
		if !zero {
			v.Set(key, val)
		}
	}
	set("testbed", s.Testbed, s.Testbed == "")
	set("log.level", s.Log.Level, s.Log.Level == "")
	set("log.format", s.Log.Format, s.Log.Format == "")
	set("log.file", s.Log.File, s.Log.File == "")
	set("redis.addr", s.Redis.Addr, s.Redis.Addr == "")
	set("redis.db", s.Redis.DB, s.Redis.DB == 0)
	set("redis.run_ttl", s.Redis.RunTTL.String(), s.Redis.RunTTL == 0)
	set("known_hosts", s.KnownHosts, s.KnownHosts == "")
	set("workers", s.Workers, s.Workers == 0)
	return v.WriteConfigAs(path)
}

// SetTestbed sets the default testbed file.
func (s *Settings) SetTestbed(path string) {
	s.Testbed = path
}

// SetRedis points the shared store at addr.
func (s *Settings) SetRedis(addr string, db int) {
	s.Redis.Addr = addr
	s.Redis.DB = db
}

// JSONLogs reports whether logs should be emitted as JSON.
func (s *Settings) JSONLogs() bool {
	return strings.EqualFold(s.Log.Format, "json")
}

// Clear resets all settings to their zero values.
func (s *Settings) Clear() {
	*s = Settings{}
}
