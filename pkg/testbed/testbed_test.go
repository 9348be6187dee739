package testbed

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/labharness/pkg/util"
)

const sampleTestbed = `
name: lab-east
known_hosts_file: /tmp/labharness_known_hosts
log_server:
  device: nms-01
  log_path: /var/log/nms/server.log
timing:
  connect_backoff: 5s
  reload_settle: 2m
devices:
  - eid: nms-01
    kind: linux-host
    roles: [nms, db]
    address: 10.0.0.10
    credentials: {username: admin, password: secret}
  - eid: tps-01
    kind: linux-host
    roles: [tps]
    address: 10.0.0.11
    port: 2222
    credentials: {username: root, password: secret}
  - eid: her-01
    kind: console-reachable
    address: 10.0.1.1
    credentials: {username: cisco, password: cisco, enable_password: en}
    console:
      term_server: 10.0.9.1
      port: 2005
      line: 5
  - eid: mgmt-01
    kind: secure-shell-only
    roles: [management]
    address: 10.0.2.1
    credentials: {username: admin, password: admin}
  - eid: sim-01
    kind: linux-host
    roles: [mesh-simulator]
    address: 10.0.0.20
    credentials: {username: sim, password: sim}
`

func TestParse(t *testing.T) {
	tb, err := Parse([]byte(sampleTestbed))
	require.NoError(t, err)

	assert.Equal(t, "lab-east", tb.Name)
	assert.Len(t, tb.Devices, 5)
	assert.Equal(t, 5*time.Second, tb.Timing.ConnectBackoff.Std())
	assert.Equal(t, 2*time.Minute, tb.Timing.ReloadSettle.Std())

	her, ok := tb.Device("her-01")
	require.True(t, ok)
	assert.Equal(t, OSIOS, her.OS)
	assert.Equal(t, ReloadConsole, her.ReloadMethod)
	assert.Equal(t, 5, her.Console.Line)
	assert.Equal(t, `[>#]\s*$`, her.PromptPattern())
	assert.Equal(t, "show clock", her.Liveness())

	nms, ok := tb.Device("nms-01")
	require.True(t, ok)
	assert.Equal(t, OSLinux, nms.OS)
	assert.Equal(t, ReloadAPI, nms.ReloadMethod)
	assert.Equal(t, 22, nms.SSHPort())
	assert.Equal(t, "uptime", nms.Liveness())

	tps, _ := tb.Device("tps-01")
	assert.Equal(t, 2222, tps.SSHPort())

	_, ok = tb.Device("nope")
	assert.False(t, ok)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no devices",
			yaml: "name: empty\n",
			want: "testbed has no devices",
		},
		{
			name: "duplicate eid",
			yaml: `
devices:
  - {eid: a, kind: linux-host, address: 1.1.1.1}
  - {eid: a, kind: linux-host, address: 1.1.1.2}
`,
			want: "duplicate eid",
		},
		{
			name: "console device without line",
			yaml: `
devices:
  - {eid: r1, kind: console-reachable, address: 1.1.1.1}
`,
			want: "needs a console line",
		},
		{
			name: "unknown kind",
			yaml: `
devices:
  - {eid: r1, kind: toaster, address: 1.1.1.1}
`,
			want: `unknown kind "toaster"`,
		},
		{
			name: "log server references unknown device",
			yaml: `
log_server: {device: ghost, log_path: /var/log/x}
devices:
  - {eid: a, kind: linux-host, address: 1.1.1.1}
`,
			want: `unknown device "ghost"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, util.ErrValidationFailed), "err = %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("devices:\n  - {eid: a, kind: linux-host, address: 1.1.1.1, adress: typo}\n"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "adress"), "err = %v", err)
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("timing: {connect_backoff: soon}\ndevices:\n  - {eid: a, kind: linux-host, address: 1.1.1.1}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testbed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTestbed), 0644))

	tb, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, tb.Devices, 5)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tb, err := Parse([]byte(sampleTestbed))
	require.NoError(t, err)

	set := Classify(tb)
	assert.Equal(t, []string{"nms-01", "tps-01", "her-01", "mgmt-01", "sim-01"}, set.EIDs)

	eids := func(ds []*Device) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.EID)
		}
		return out
	}
	assert.Equal(t, []string{"nms-01"}, eids(set.NMS))
	assert.Equal(t, []string{"nms-01"}, eids(set.DB))
	assert.Equal(t, []string{"tps-01"}, eids(set.TPS))
	assert.Equal(t, []string{"sim-01"}, eids(set.MeshSimulator))
	assert.Equal(t, []string{"mgmt-01"}, eids(set.Management))
	assert.Equal(t, []string{"her-01"}, eids(set.Console))
	assert.Equal(t, eids(set.Console), eids(set.Bucket(RoleConsole)))
	assert.Nil(t, set.Bucket(Role("unknown")))
}

func TestDeviceString(t *testing.T) {
	assert.Equal(t, "r1", (&Device{EID: "r1", Name: "r1"}).String())
	assert.Equal(t, "r1 (edge-router)", (&Device{EID: "r1", Name: "edge-router"}).String())
}
