package lineclear

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/labharness/internal/testutil"
	"github.com/newtron-network/labharness/pkg/util"
)

func fastClearer(fc *testutil.FakeConsole) *Clearer {
	return &Clearer{
		Dial: fc.Dial,
		Timeouts: Timeouts{
			Login:   100 * time.Millisecond,
			Confirm: 100 * time.Millisecond,
			Exit:    50 * time.Millisecond,
		},
	}
}

func TestForceCloseLine_WithPassword(t *testing.T) {
	fc := testutil.NewFakeConsole("",
		testutil.Rule{On: `^$`, Reply: "\r\nUser Access Verification\r\nPassword: ", Once: true},
		testutil.Rule{On: `^ts-pw$`, Reply: "\r\nts01>", Once: true},
		testutil.Rule{On: `^enable$`, Reply: "\r\nPassword: "},
		testutil.Rule{On: `^ts-pw$`, Reply: "\r\nts01#"},
		testutil.Rule{On: `^clear line 5$`, Reply: "\r\n[confirm]"},
		testutil.Rule{On: `^$`, Reply: " [OK]\r\nts01#"},
		testutil.Rule{On: testutil.Escape, Reply: "\r\ntelnet> "},
	)

	err := fastClearer(fc).ForceCloseLine(context.Background(), "10.0.9.1", 5, "ts-pw")
	require.NoError(t, err, fc.Transcript())

	assert.True(t, fc.Saw("clear line 5"))
	assert.True(t, fc.Saw(testutil.Escape))
	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"10.0.9.1:0"}, fc.Dials())
}

func TestForceCloseLine_NoPassword(t *testing.T) {
	fc := testutil.NewFakeConsole("",
		testutil.Rule{On: `^$`, Reply: "\r\nts01>", Once: true},
		testutil.Rule{On: `^enable$`, Reply: "\r\nts01#"},
		testutil.Rule{On: `^clear line 12$`, Reply: "\r\n[confirm]"},
		testutil.Rule{On: `^$`, Reply: " [OK]\r\nts01#"},
	)

	err := fastClearer(fc).ForceCloseLine(context.Background(), "10.0.9.1", 12, "")
	require.NoError(t, err, fc.Transcript())
	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond)
}

func TestForceCloseLine_NoTelnetPromptStillQuits(t *testing.T) {
	hook := logtest.NewLocal(util.Logger)
	level := util.Logger.GetLevel()
	util.Logger.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() {
		util.Logger.SetLevel(level)
		util.Logger.ReplaceHooks(make(logrus.LevelHooks))
	})

	fc := testutil.NewFakeConsole("",
		testutil.Rule{On: `^$`, Reply: "\r\nts01#", Once: true},
		testutil.Rule{On: `^enable$`, Reply: "\r\nts01#"},
		testutil.Rule{On: `^clear line 7$`, Reply: "\r\n[confirm]"},
		testutil.Rule{On: `^$`, Reply: " [OK]\r\nts01#"},
	)

	err := fastClearer(fc).ForceCloseLine(context.Background(), "10.0.9.1", 7, "")
	require.NoError(t, err, fc.Transcript())
	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond)
	assert.True(t, fc.Saw(testutil.Escape))

	var seen bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.DebugLevel && strings.Contains(e.Message, "telnet prompt not seen") {
			seen = true
		}
	}
	assert.True(t, seen, "expected a debug entry for the missing telnet> prompt")
}

func TestForceCloseLine_ConfirmTimeoutStillExits(t *testing.T) {
	fc := testutil.NewFakeConsole("",
		testutil.Rule{On: `^$`, Reply: "\r\nts01#", Once: true},
		testutil.Rule{On: `^enable$`, Reply: "\r\nts01#"},
		testutil.Rule{On: `^clear line 5$`, Silent: true},
	)

	err := fastClearer(fc).ForceCloseLine(context.Background(), "10.0.9.1", 5, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrMandatoryPrompt), "err = %v", err)

	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond,
		"escape-and-quit must run after a failed confirmation: %s", fc.Transcript())
	assert.True(t, fc.Saw(testutil.Escape))
}

func TestForceCloseLine_LoginFailureStillExits(t *testing.T) {
	fc := testutil.NewFakeConsole("") // never answers

	err := fastClearer(fc).ForceCloseLine(context.Background(), "10.0.9.1", 5, "pw")
	require.Error(t, err)

	var de *util.DeviceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "clear-line", de.Op)
	require.Eventually(t, func() bool { return fc.Saw("quit") }, time.Second, 5*time.Millisecond)
	assert.False(t, fc.Saw("clear line 5"))
}

func TestForceCloseLine_MissingTermServer(t *testing.T) {
	err := New().ForceCloseLine(context.Background(), "", 1, "")
	assert.True(t, errors.Is(err, util.ErrMissingArgument))
}
