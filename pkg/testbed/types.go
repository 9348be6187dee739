// Package testbed describes the devices of a lab testbed and loads them from
// a YAML file.
package testbed

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind selects how a device is reached.
type Kind string

const (
	KindLinuxHost       Kind = "linux-host"
	KindConsoleReach    Kind = "console-reachable"
	KindSecureShellOnly Kind = "secure-shell-only"
)

// Role is the function a device serves in the testbed.
type Role string

const (
	RoleNMS           Role = "nms"
	RoleDB            Role = "db"
	RoleTPS           Role = "tps"
	RoleMeshSimulator Role = "mesh-simulator"
	RoleManagement    Role = "management"
	RoleConsole       Role = "console"
)

// OS family, used to pick command syntax.
const (
	OSIOS   = "ios"
	OSLinux = "linux"
)

// Reload methods.
const (
	ReloadConsole = "console"
	ReloadAPI     = "api"
)

// Credentials holds login secrets for a device.
type Credentials struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	EnablePassword string `yaml:"enable_password,omitempty"`
}

// ConsoleLine is the terminal-server line a console-reachable device hangs off.
type ConsoleLine struct {
	TermServer string `yaml:"term_server"`
	Port       int    `yaml:"port"`     // reverse-telnet TCP port for the line
	Line       int    `yaml:"line"`     // line number for "clear line"
	Password   string `yaml:"password"` // term-server password, may be empty
}

// Device is one configured testbed device. Devices are created from the
// testbed file and never persisted.
type Device struct {
	EID             string       `yaml:"eid"`
	Name            string       `yaml:"name,omitempty"`
	Kind            Kind         `yaml:"kind"`
	Roles           []Role       `yaml:"roles,omitempty"`
	Address         string       `yaml:"address"`
	Port            int          `yaml:"port,omitempty"`
	OS              string       `yaml:"os,omitempty"`
	Prompt          string       `yaml:"prompt,omitempty"`
	ReloadMethod    string       `yaml:"reload_method,omitempty"`
	LivenessCommand string       `yaml:"liveness_command,omitempty"`
	Credentials     Credentials  `yaml:"credentials"`
	Console         *ConsoleLine `yaml:"console,omitempty"`
}

// String returns the EID, or the name when present.
func (d *Device) String() string {
	if d.Name != "" && d.Name != d.EID {
		return fmt.Sprintf("%s (%s)", d.EID, d.Name)
	}
	return d.EID
}

// HasRole reports whether the device carries role r.
func (d *Device) HasRole(r Role) bool {
	for _, have := range d.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// SSHPort returns the configured SSH port, defaulting to 22.
func (d *Device) SSHPort() int {
	if d.Port == 0 {
		return 22
	}
	return d.Port
}

// PromptPattern returns the CLI prompt regex for the device.
func (d *Device) PromptPattern() string {
	if d.Prompt != "" {
		return d.Prompt
	}
	if d.OS == OSLinux {
		return `[$#]\s*$`
	}
	return `[>#]\s*$`
}

// Liveness returns the command used to prove the device answers.
func (d *Device) Liveness() string {
	if d.LivenessCommand != "" {
		return d.LivenessCommand
	}
	if d.OS == OSLinux {
		return "uptime"
	}
	return "show clock"
}

// LogServer names the device whose log is correlated and the file to read.
type LogServer struct {
	Device       string `yaml:"device"`
	LogPath      string `yaml:"log_path"`
	ErrorPattern string `yaml:"error_pattern,omitempty"`
}

// Timing overrides the device manager defaults. Zero fields keep defaults.
type Timing struct {
	ConnectAttempts  int      `yaml:"connect_attempts,omitempty"`
	ConnectBackoff   Duration `yaml:"connect_backoff,omitempty"`
	EnableTimeout    Duration `yaml:"enable_timeout,omitempty"`
	EnableInterval   Duration `yaml:"enable_interval,omitempty"`
	ReloadSettle     Duration `yaml:"reload_settle,omitempty"`
	ReachableTimeout Duration `yaml:"reachable_timeout,omitempty"`
	ReachableEvery   Duration `yaml:"reachable_interval,omitempty"`
}

// Testbed is the parsed testbed file.
type Testbed struct {
	Name           string    `yaml:"name"`
	KnownHostsFile string    `yaml:"known_hosts_file,omitempty"`
	LogServer      LogServer `yaml:"log_server,omitempty"`
	Timing         Timing    `yaml:"timing,omitempty"`
	Devices        []*Device `yaml:"devices"`

	byEID map[string]*Device
}

// Device returns the device with the given EID.
func (t *Testbed) Device(eid string) (*Device, bool) {
	if t.byEID == nil {
		t.index()
	}
	d, ok := t.byEID[eid]
	return d, ok
}

func (t *Testbed) index() {
	t.byEID = make(map[string]*Device, len(t.Devices))
	for _, d := range t.Devices {
		t.byEID[d.EID] = d
	}
}

// Duration is a time.Duration that unmarshals from strings such as "90s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
