package testbed

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/labharness/pkg/util"
)

// Load reads and validates a testbed file.
func Load(path string) (*Testbed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading testbed %s: %w", path, err)
	}
	tb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("testbed %s: %w", path, err)
	}
	return tb, nil
}

// Parse decodes testbed YAML, applies defaults and validates the result.
// Unknown keys are rejected so that typos do not silently drop settings.
func Parse(data []byte) (*Testbed, error) {
	tb := &Testbed{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(tb); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	tb.applyDefaults()
	if err := tb.Validate(); err != nil {
		return nil, err
	}
	tb.index()
	return tb, nil
}

func (t *Testbed) applyDefaults() {
	for _, d := range t.Devices {
		if d.Name == "" {
			d.Name = d.EID
		}
		if d.OS == "" {
			if d.Kind == KindLinuxHost {
				d.OS = OSLinux
			} else {
				d.OS = OSIOS
			}
		}
		if d.ReloadMethod == "" {
			if d.Kind == KindLinuxHost {
				d.ReloadMethod = ReloadAPI
			} else {
				d.ReloadMethod = ReloadConsole
			}
		}
	}
}

// Validate checks the testbed for structural errors.
func (t *Testbed) Validate() error {
	var vb util.ValidationBuilder
	seen := make(map[string]bool, len(t.Devices))

	vb.Add(len(t.Devices) > 0, "testbed has no devices")
	for i, d := range t.Devices {
		if d == nil {
			vb.AddErrorf("devices[%d]: empty entry", i)
			continue
		}
		if d.EID == "" {
			vb.AddErrorf("devices[%d]: eid is required", i)
			continue
		}
		if seen[d.EID] {
			vb.AddErrorf("device %s: duplicate eid", d.EID)
		}
		seen[d.EID] = true

		switch d.Kind {
		case KindLinuxHost, KindSecureShellOnly:
			vb.Add(d.Address != "", fmt.Sprintf("device %s: address is required", d.EID))
		case KindConsoleReach:
			if d.Console == nil {
				vb.AddErrorf("device %s: console-reachable device needs a console line", d.EID)
			} else {
				vb.Add(d.Console.TermServer != "", fmt.Sprintf("device %s: console term_server is required", d.EID))
				vb.Add(d.Console.Port > 0, fmt.Sprintf("device %s: console port is required", d.EID))
			}
		default:
			vb.AddErrorf("device %s: unknown kind %q", d.EID, d.Kind)
		}
		if d.OS != OSIOS && d.OS != OSLinux {
			vb.AddErrorf("device %s: unknown os %q", d.EID, d.OS)
		}
		if d.ReloadMethod != ReloadConsole && d.ReloadMethod != ReloadAPI {
			vb.AddErrorf("device %s: unknown reload_method %q", d.EID, d.ReloadMethod)
		}
		if d.ReloadMethod == ReloadConsole && d.Console == nil && d.Kind != KindSecureShellOnly {
			vb.AddErrorf("device %s: console reload requires a console line", d.EID)
		}
	}
	if t.LogServer.Device != "" {
		vb.Add(seen[t.LogServer.Device], fmt.Sprintf("log_server: unknown device %q", t.LogServer.Device))
		vb.Add(t.LogServer.LogPath != "", "log_server: log_path is required")
	}
	return vb.Build()
}
