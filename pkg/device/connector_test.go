package device

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/labharness/internal/testutil"
	"github.com/newtron-network/labharness/pkg/sshutil"
	"github.com/newtron-network/labharness/pkg/testbed"
)

func linuxHandler(cmd string, stdout, _ io.Writer) uint32 {
	switch cmd {
	case "uptime":
		io.WriteString(stdout, " 10:00:00 up 3 days,  1 user\n")
	case "sudo -n true 2>&1; echo rc=$?":
		io.WriteString(stdout, "rc=0\n")
	default:
		io.WriteString(stdout, "sh: command not found\n")
		return 127
	}
	return 0
}

func TestSSHConnector_LinuxExecAndKnownHosts(t *testing.T) {
	srv := testutil.NewSSHServer(t, "lab", "pw", linuxHandler)
	khPath := filepath.Join(t.TempDir(), "known_hosts")
	kh := &sshutil.KnownHosts{Path: khPath}
	dev := linuxDevice("nms-1", srv.Host(), srv.Port(), "lab")

	m, err := NewManager(Config{
		Testbed:   newTestbed(dev),
		Connector: &KindConnector{SSH: &SSHConnector{KnownHosts: kh, Timeout: 2 * time.Second}},
	})
	require.NoError(t, err)
	defer m.DisconnectAll()

	require.True(t, m.ConnectTestbed(context.Background(), ConnectOptions{}).OK())
	res := m.EnableDevice(context.Background(), "nms-1")
	require.True(t, res.Available, "err=%v", res.Err)
	assert.Contains(t, res.Output, "up 3 days")

	// Reconnecting resets the file and records the key again, once.
	require.True(t, m.ConnectTestbed(context.Background(), ConnectOptions{}).OK())
	data, err := os.ReadFile(khPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], srv.HostKey().Type())
}

func TestSSHConnector_BadPassword(t *testing.T) {
	srv := testutil.NewSSHServer(t, "lab", "right", linuxHandler)
	dev := linuxDevice("nms-1", srv.Host(), srv.Port(), "lab")
	dev.Credentials.Password = "wrong"

	c := &SSHConnector{Timeout: 2 * time.Second}
	_, err := c.Connect(context.Background(), dev)
	assert.Error(t, err)
}

func TestSSHConn_EnableWithoutSudo(t *testing.T) {
	srv := testutil.NewSSHServer(t, "lab", "pw", func(cmd string, stdout, _ io.Writer) uint32 {
		io.WriteString(stdout, "sudo: a password is required\nrc=1\n")
		return 0
	})
	dev := linuxDevice("nms-1", srv.Host(), srv.Port(), "lab")
	conn, err := (&SSHConnector{Timeout: 2 * time.Second}).Connect(context.Background(), dev)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Enable(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password is required")
}

func TestConsoleConnector_LoginWithCredentials(t *testing.T) {
	fc := testutil.NewFakeConsole("",
		testutil.Rule{On: `^$`, Reply: "\r\nUser Access Verification\r\n\r\nUsername: ", Once: true},
		testutil.Rule{On: `^admin$`, Reply: "Password: "},
		testutil.Rule{On: `^secret$`, Reply: "\r\nrtr-1>"},
		testutil.Rule{On: `^terminal length 0$`, Reply: "\r\nrtr-1>"},
	)
	conn, err := fastConsole(fc).Connect(context.Background(), consoleDevice("rtr-1", 3))
	require.NoError(t, err, fc.Transcript())
	assert.Equal(t, []string{"ts1:2003"}, fc.Dials())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond)
	assert.True(t, fc.Saw(testutil.Escape))
}

func TestConsoleConnector_NoPromptFails(t *testing.T) {
	fc := testutil.NewFakeConsole("")
	_, err := fastConsole(fc).Connect(context.Background(), consoleDevice("rtr-1", 3))
	require.Error(t, err)
	// The line is released even though login failed.
	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond)
}

func TestConsoleConnector_NoConsoleLine(t *testing.T) {
	dev := consoleDevice("rtr-1", 3)
	dev.Console = nil
	_, err := (&ConsoleConnector{}).Connect(context.Background(), dev)
	assert.Error(t, err)
}

func TestKindConnector_Routes(t *testing.T) {
	var got []string
	route := func(name string) Connector {
		return ConnectorFunc(func(ctx context.Context, dev *testbed.Device) (Conn, error) {
			got = append(got, name+":"+dev.EID)
			return &stubConn{}, nil
		})
	}
	k := &KindConnector{SSH: route("ssh"), Console: route("console")}
	k.Connect(context.Background(), consoleDevice("rtr-1", 1))
	k.Connect(context.Background(), linuxDevice("h1", "10.0.0.9", 22, "root"))
	k.Connect(context.Background(), &testbed.Device{EID: "mgmt", Kind: testbed.KindSecureShellOnly})
	assert.Equal(t, []string{"console:rtr-1", "ssh:h1", "ssh:mgmt"}, got)
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name, in, cmd, want string
	}{
		{"echoed", "show clock\r\n*10:00 UTC\r\nrtr-1", "show clock", "*10:00 UTC"},
		{"not echoed", "\r\n*10:00 UTC\r\nrtr-1", "show clock", "*10:00 UTC"},
		{"no output", "terminal length 0\r\nrtr-1", "terminal length 0", ""},
		{"multi line", "dir\r\nline1\r\nline2\r\nrtr-1", "dir", "line1\nline2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanOutput(tt.in, tt.cmd))
		})
	}
}
