package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/newtron-network/labharness/pkg/cli"
	"github.com/newtron-network/labharness/pkg/device"
	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/lineclear"
	"github.com/newtron-network/labharness/pkg/parallel"
	"github.com/newtron-network/labharness/pkg/ping"
	"github.com/newtron-network/labharness/pkg/settings"
	"github.com/newtron-network/labharness/pkg/sshutil"
	"github.com/newtron-network/labharness/pkg/store"
	"github.com/newtron-network/labharness/pkg/testbed"
	"github.com/newtron-network/labharness/pkg/util"
)

// secretReader is swapped in tests.
var secretReader cli.SecretReader = cli.TerminalSecret

// loadTestbed reads the testbed file and asks for device passwords the file
// leaves empty.
func loadTestbed() (*testbed.Testbed, error) {
	if testbedPath == "" {
		return nil, fmt.Errorf("testbed required: use -t <file> or 'labharness settings set testbed <file>'")
	}
	tb, err := testbed.Load(testbedPath)
	if err != nil {
		return nil, err
	}
	if err := fillSecrets(tb, secretReader); err != nil {
		return nil, err
	}
	return tb, nil
}

// fillSecrets prompts for every device password that has a username but no
// password. Without a terminal the password stays empty.
func fillSecrets(tb *testbed.Testbed, read cli.SecretReader) error {
	for _, d := range tb.Devices {
		if d.Credentials.Username == "" || d.Credentials.Password != "" {
			continue
		}
		pw, err := read(fmt.Sprintf("Password for %s@%s", d.Credentials.Username, d.EID))
		if errors.Is(err, cli.ErrNoTerminal) {
			util.WithDevice(d.EID).Warnf("no password in testbed and no terminal to ask for one")
			continue
		}
		if err != nil {
			return err
		}
		d.Credentials.Password = pw
	}
	return nil
}

func knownHosts(tb *testbed.Testbed) *sshutil.KnownHosts {
	path := tb.KnownHostsFile
	if path == "" {
		path = userSettings.KnownHosts
	}
	if path == "" {
		path = settings.DefaultKnownHostsPath()
	}
	return &sshutil.KnownHosts{Path: path}
}

// openStore returns the Redis store when an address is configured, the
// in-process store otherwise.
func openStore(ctx context.Context) (store.Store, error) {
	if redisAddr == "" {
		return store.NewMemoryStore(), nil
	}
	rs := store.NewRedisStore(redisAddr, userSettings.Redis.DB)
	if userSettings.Redis.RunTTL > 0 {
		rs.RunTTL = userSettings.Redis.RunTTL
	}
	if err := rs.Connect(ctx); err != nil {
		rs.Close()
		return nil, fmt.Errorf("redis %s: %w", redisAddr, err)
	}
	return rs, nil
}

// harness bundles what device commands need.
type harness struct {
	tb      *testbed.Testbed
	mgr     *device.Manager
	store   store.Store
	runID   string
	closeFn func()
}

func (h *harness) Close() { h.closeFn() }

func newHarness(ctx context.Context) (*harness, error) {
	tb, err := loadTestbed()
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	kh := knownHosts(tb)
	runID := parallel.NewRunID()
	mgr, err := device.NewManager(device.Config{
		Testbed: tb,
		Connector: &device.KindConnector{
			SSH:     &device.SSHConnector{KnownHosts: kh},
			Console: &device.ConsoleConnector{Dial: expect.TelnetDialer},
		},
		Clearer:     lineclear.New(),
		Prober:      ping.New(),
		APIReloader: &device.SSHRebootAPI{KnownHosts: kh},
		ConsoleDial: expect.TelnetDialer,
		Options:     device.DefaultOptions().WithTiming(tb.Timing),
		RunID:       runID,
		Sink:        st,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &harness{
		tb:    tb,
		mgr:   mgr,
		store: st,
		runID: runID,
		closeFn: func() {
			mgr.DisconnectAll()
			st.Close()
		},
	}, nil
}

// selectDevices returns args, the devices of role when it is set, or every
// device EID.
func selectDevices(tb *testbed.Testbed, args []string, role string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	set := testbed.Classify(tb)
	if role == "" {
		return set.EIDs, nil
	}
	var eids []string
	for _, d := range set.Bucket(testbed.Role(role)) {
		eids = append(eids, d.EID)
	}
	if len(eids) == 0 {
		return nil, fmt.Errorf("no devices with role %q", role)
	}
	return eids, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// failures turns a count into the command's error.
func failures(n int, what string) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d %s failed", n, what)
}
