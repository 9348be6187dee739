package device

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/labharness/internal/testutil"
	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/store"
	"github.com/newtron-network/labharness/pkg/testbed"
	"github.com/newtron-network/labharness/pkg/util"
)

func reloadManager(t *testing.T, dial expect.Dialer, prober *fakeProber, devs ...*testbed.Device) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m, err := NewManager(Config{
		Testbed: newTestbed(devs...),
		Connector: ConnectorFunc(func(ctx context.Context, dev *testbed.Device) (Conn, error) {
			return nil, errRefused
		}),
		Prober:      prober,
		ConsoleDial: dial,
		Options:     fastOptions(rec),
	})
	require.NoError(t, err)
	return m, rec
}

func TestReloadDevice_NoOptionalPrompts(t *testing.T) {
	fc := testutil.NewFakeConsole("", iosRules(
		testutil.Rule{On: `^enable$`, Reply: "\r\nrtr-1#"},
		testutil.Rule{On: `^reload$`, Reply: "\r\nProceed with reload? [confirm]"},
	)...)
	prober := &fakeProber{reachable: true}
	m, rec := reloadManager(t, fc.Dial, prober, consoleDevice("rtr-1", 1))

	res := m.ReloadDevice(context.Background(), "rtr-1")

	require.True(t, res.Completed, "err=%v transcript=%s", res.Err, fc.Transcript())
	assert.True(t, res.Reachable)
	assert.Contains(t, res.Message, "completed")
	assert.ElementsMatch(t, []string{"username", "password", "enable-password", "save-config", "reload-ap"}, res.Skipped)
	assert.Equal(t, []time.Duration{3 * time.Minute}, rec.Sleeps())
	assert.Equal(t, 1, prober.Waits())
	assert.Equal(t, []string{"ts1:2001"}, fc.Dials())
	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond)
}

func TestReloadDevice_BothOptionalPrompts(t *testing.T) {
	fc := testutil.NewFakeConsole("", iosRules(
		testutil.Rule{On: `^enable$`, Reply: "\r\nrtr-1#"},
		testutil.Rule{On: `^reload$`, Reply: "\r\nSystem configuration has been modified. Save? [yes/no]: "},
		testutil.Rule{On: `^no$`, Reply: "\r\nReload internal AP? [y/n]: "},
		testutil.Rule{On: `^y$`, Reply: "\r\nProceed with reload? [confirm]"},
	)...)
	m, _ := reloadManager(t, fc.Dial, &fakeProber{reachable: false}, consoleDevice("rtr-1", 1))

	res := m.ReloadDevice(context.Background(), "rtr-1")

	require.True(t, res.Completed, "err=%v transcript=%s", res.Err, fc.Transcript())
	assert.False(t, res.Reachable)
	assert.Contains(t, res.Message, "not reachable")
	assert.True(t, errors.Is(res.Err, util.ErrUnreachable), "err=%v", res.Err)
	assert.True(t, fc.Saw("no"))
	assert.True(t, fc.Saw("y"))
	assert.NotContains(t, res.Skipped, "save-config")
	assert.NotContains(t, res.Skipped, "reload-ap")
}

func TestReloadDevice_MandatoryConfirmMissing(t *testing.T) {
	fc := testutil.NewFakeConsole("", iosRules(
		testutil.Rule{On: `^enable$`, Reply: "\r\nrtr-1#"},
		testutil.Rule{On: `^reload$`, Silent: true},
	)...)
	prober := &fakeProber{reachable: true}
	m, rec := reloadManager(t, fc.Dial, prober, consoleDevice("rtr-1", 1))

	res := m.ReloadDevice(context.Background(), "rtr-1")

	assert.False(t, res.Completed)
	assert.False(t, res.Reachable)
	assert.True(t, errors.Is(res.Err, util.ErrMandatoryPrompt), "err=%v", res.Err)
	assert.Contains(t, res.Message, "not completed")
	assert.Empty(t, rec.Sleeps())
	assert.Equal(t, 0, prober.Waits())
	require.Eventually(t, func() bool { return fc.Saw(testutil.Escape) }, time.Second, 5*time.Millisecond)
}

func TestReloadDevice_UnknownDevice(t *testing.T) {
	m, _ := reloadManager(t, nil, &fakeProber{})
	res := m.ReloadDevice(context.Background(), "ghost")
	assert.False(t, res.Completed)
	assert.True(t, errors.Is(res.Err, util.ErrNotFound))
	assert.Contains(t, res.Message, "unknown device")
}

type fakeAPI struct {
	err   error
	calls int
	got   ReloadTimeouts
}

func (a *fakeAPI) Reload(ctx context.Context, dev *testbed.Device, t ReloadTimeouts) error {
	a.calls++
	a.got = t
	return a.err
}

func TestReloadDevice_API(t *testing.T) {
	api := &fakeAPI{}
	rec := &recorder{}
	m, err := NewManager(Config{
		Testbed:     newTestbed(linuxDevice("tps-1", "10.2.2.2", 22, "lab")),
		Connector:   ConnectorFunc(func(ctx context.Context, dev *testbed.Device) (Conn, error) { return nil, errRefused }),
		Prober:      &fakeProber{reachable: true},
		APIReloader: api,
		Options:     fastOptions(rec),
	})
	require.NoError(t, err)

	res := m.ReloadDevice(context.Background(), "tps-1")
	assert.True(t, res.Completed)
	assert.True(t, res.Reachable)
	assert.Equal(t, 1, api.calls)
	assert.Equal(t, 15*time.Minute, api.got.Reachable)

	api.err = errors.New("reboot refused")
	res = m.ReloadDevice(context.Background(), "tps-1")
	assert.False(t, res.Completed)
	assert.Contains(t, res.Message, "reboot refused")
}

func TestMultipleDeviceReload_BothFail(t *testing.T) {
	dial := func(ctx context.Context, host string, port int) (*expect.Session, error) {
		return nil, errRefused
	}
	sink := store.NewMemoryStore()
	rec := &recorder{}
	m, err := NewManager(Config{
		Testbed:     newTestbed(consoleDevice("a", 1), consoleDevice("b", 2)),
		Connector:   ConnectorFunc(func(ctx context.Context, dev *testbed.Device) (Conn, error) { return nil, errRefused }),
		ConsoleDial: dial,
		Options:     fastOptions(rec),
		RunID:       "reload-1",
		Sink:        sink,
	})
	require.NoError(t, err)

	results := m.MultipleDeviceReload(context.Background(), []string{"a", "b", "a"})

	require.Len(t, results, 2)
	for _, eid := range []string{"a", "b"} {
		r, ok := results[eid]
		require.True(t, ok, eid)
		assert.False(t, r.Completed)
		assert.True(t, errors.Is(r.Err, errRefused))
	}

	stored, err := sink.Results(context.Background(), "reload-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestMultipleDeviceReload_Mixed(t *testing.T) {
	good := testutil.NewFakeConsole("", iosRules(
		testutil.Rule{On: `^enable$`, Reply: "\r\nrtr-1#"},
		testutil.Rule{On: `^reload$`, Reply: "\r\nProceed with reload? [confirm]"},
	)...)
	dial := func(ctx context.Context, host string, port int) (*expect.Session, error) {
		if port == 2001 {
			return good.Dial(ctx, host, port)
		}
		return nil, io.ErrClosedPipe
	}
	m, _ := reloadManager(t, dial, &fakeProber{reachable: true}, consoleDevice("a", 1), consoleDevice("b", 2))

	results := m.MultipleDeviceReload(context.Background(), []string{"a", "b"})
	require.Len(t, results, 2)
	assert.True(t, results["a"].Completed, "transcript=%s", good.Transcript())
	assert.False(t, results["b"].Completed)
}

func TestSSHRebootAPI(t *testing.T) {
	srv := testutil.NewSSHServer(t, "lab", "pw", func(cmd string, stdout, _ io.Writer) uint32 {
		return 0
	})
	dev := linuxDevice("tps-1", srv.Host(), srv.Port(), "lab")

	var slept time.Duration
	api := &SSHRebootAPI{
		Timeout: 2 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) bool {
			slept = d
			return true
		},
	}
	err := api.Reload(context.Background(), dev, ReloadTimeouts{
		Settle:    time.Minute,
		Reachable: time.Second,
		Interval:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, slept)
	assert.Equal(t, []string{"sudo -n reboot"}, srv.Commands())
	assert.Equal(t, 2, srv.Logins())
}
