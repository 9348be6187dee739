package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/newtron-network/labharness/internal/testutil"
	"github.com/newtron-network/labharness/pkg/testbed"
)

// recorder collects calls from the fakes below.
type recorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	clears []string
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func (r *recorder) ForceCloseLine(ctx context.Context, termIP string, line int, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears = append(r.clears, termIP)
	return nil
}

func (r *recorder) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func (r *recorder) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clears)
}

type fakeProber struct {
	mu        sync.Mutex
	reachable bool
	checks    int
	waits     int
}

func (p *fakeProber) Check(ctx context.Context, host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	return p.reachable
}

func (p *fakeProber) WaitReachable(ctx context.Context, host string, timeout, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	return p.reachable
}

func (p *fakeProber) Waits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}

func consoleDevice(eid string, port int) *testbed.Device {
	return &testbed.Device{
		EID:     eid,
		Kind:    testbed.KindConsoleReach,
		Address: fmt.Sprintf("10.0.0.%d", port),
		OS:      testbed.OSIOS,
		Credentials: testbed.Credentials{
			Username: "admin", Password: "secret",
		},
		Console: &testbed.ConsoleLine{TermServer: "ts1", Port: 2000 + port, Line: port},
	}
}

func linuxDevice(eid, host string, port int, user string) *testbed.Device {
	return &testbed.Device{
		EID:         eid,
		Kind:        testbed.KindLinuxHost,
		Address:     host,
		Port:        port,
		OS:          testbed.OSLinux,
		Credentials: testbed.Credentials{Username: user, Password: "pw"},
	}
}

func newTestbed(devs ...*testbed.Device) *testbed.Testbed {
	return &testbed.Testbed{Name: "unit", Devices: devs}
}

// fastOptions keeps every wait in the millisecond range.
func fastOptions(r *recorder) Options {
	return Options{
		ConnectBackoff:       time.Minute,
		EnableTimeout:        60 * time.Millisecond,
		EnableInterval:       10 * time.Millisecond,
		PromptTimeout:        40 * time.Millisecond,
		ReloadConfirmTimeout: 300 * time.Millisecond,
		ReloadSettle:         3 * time.Minute,
		ReachableTimeout:     15 * time.Minute,
		ReachableInterval:    45 * time.Second,
		Sleep:                r.sleep,
	}
}

func fastConsole(fc *testutil.FakeConsole) *ConsoleConnector {
	return &ConsoleConnector{
		Dial:            fc.Dial,
		LoginTimeout:    500 * time.Millisecond,
		OptionalTimeout: 40 * time.Millisecond,
		CommandTimeout:  500 * time.Millisecond,
	}
}

// iosRules answer the login wake-up and paging command of an IOS console
// that is already logged in. Extra rules are consulted after the wake-up.
func iosRules(extra ...testutil.Rule) []testutil.Rule {
	rules := []testutil.Rule{
		{On: `^$`, Reply: "\r\nrtr-1>", Once: true},
		{On: `^terminal length 0$`, Reply: "\r\nrtr-1>"},
	}
	return append(rules, extra...)
}

var errRefused = errors.New("connection refused")
