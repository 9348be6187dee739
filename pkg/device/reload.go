package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/lineclear"
	"github.com/newtron-network/labharness/pkg/parallel"
	"github.com/newtron-network/labharness/pkg/sshutil"
	"github.com/newtron-network/labharness/pkg/testbed"
	"github.com/newtron-network/labharness/pkg/util"
)

// ReloadResult reports that a reload was attempted. Completed means the
// reload was issued and confirmed; Reachable is checked separately and says
// whether the device answered ping afterwards.
type ReloadResult struct {
	EID       string
	Message   string
	Completed bool
	Reachable bool
	// Skipped lists the optional prompts the device did not show.
	Skipped []string
	Err     error
}

// ReloadTimeouts is what an APIReloader may spend.
type ReloadTimeouts struct {
	Settle    time.Duration
	Reachable time.Duration
	Interval  time.Duration
}

// APIReloader reloads a device through something other than its console.
// Reload returns once the device has been reloaded and is back, or with an
// error.
type APIReloader interface {
	Reload(ctx context.Context, dev *testbed.Device, t ReloadTimeouts) error
}

var (
	configModified = `(?i)configuration has been modified.*\[(yes/no|confirm)\][:?]?\s*$`
	reloadAP       = `(?i)reload internal AP.*\?\s*(\[.*\])?[:?]?\s*$`
	proceedReload  = `(?i)proceed with reload\?\s*\[confirm\]\s*$`
)

// reloadScript handles the firmware variants as optional prompts: some ask
// to save a modified configuration, some ask about the internal access
// point, all ask to proceed.
func (m *Manager) reloadScript(dev *testbed.Device) *expect.Script {
	o := m.opts
	enablePw := dev.Credentials.EnablePassword
	if enablePw == "" {
		enablePw = dev.Credentials.Password
	}
	return &expect.Script{
		Name: "reload",
		Steps: []expect.Step{
			{Name: "wake", Send: "\r"},
			{Name: "username", Expect: `(?i)(username|login):\s*$`, Send: dev.Credentials.Username + "\r", Optional: true, Timeout: o.PromptTimeout},
			{Name: "password", Expect: `(?i)password:\s*$`, Send: dev.Credentials.Password + "\r", Optional: true, Timeout: o.PromptTimeout},
			{Name: "prompt", Expect: dev.PromptPattern(), Send: "enable\r", Timeout: o.PromptTimeout},
			{Name: "enable-password", Expect: `(?i)password:\s*$`, Send: enablePw + "\r", Optional: true, Timeout: o.PromptTimeout},
			{Name: "privileged", Expect: `#\s*$`, Send: "reload\r", Timeout: o.PromptTimeout},
			{Name: "save-config", Expect: configModified, Send: "no\r", Optional: true, Timeout: o.PromptTimeout},
			{Name: "reload-ap", Expect: reloadAP, Send: "y\r", Optional: true, Timeout: o.PromptTimeout},
			{Name: "proceed", Expect: proceedReload, Send: "\r", Timeout: o.ReloadConfirmTimeout},
		},
	}
}

func reloadMethod(dev *testbed.Device) string {
	if dev.ReloadMethod != "" {
		return dev.ReloadMethod
	}
	if dev.Kind == testbed.KindConsoleReach {
		return testbed.ReloadConsole
	}
	return testbed.ReloadAPI
}

// ReloadDevice reloads one device and waits for it to come back. It never
// fails outward: everything is in the result.
func (m *Manager) ReloadDevice(ctx context.Context, eid string) ReloadResult {
	res := ReloadResult{EID: eid}
	dev, ok := m.tb.Device(eid)
	if !ok {
		res.Err = fmt.Errorf("device %s: %w", eid, util.ErrNotFound)
		res.Message = fmt.Sprintf("reload %s: unknown device", eid)
		return res
	}
	log := util.WithDevice(eid).WithField("operation", "reload")

	// The reload talks to the device on its own session.
	m.Disconnect(eid)

	switch reloadMethod(dev) {
	case testbed.ReloadAPI:
		m.reloadViaAPI(ctx, dev, &res)
	default:
		m.reloadViaConsole(ctx, dev, &res)
	}

	if res.Completed {
		res.Message = fmt.Sprintf("reload of %s completed", dev)
		if res.Reachable {
			res.Message += "; device reachable"
			log.Info(res.Message)
		} else {
			res.Message += "; device not reachable"
			if res.Err == nil {
				res.Err = fmt.Errorf("%s: %w", dev.Address, util.ErrUnreachable)
			}
			log.Warn(res.Message)
		}
	} else {
		res.Message = fmt.Sprintf("reload of %s not completed: %v", dev, res.Err)
		log.Error(res.Message)
	}
	return res
}

func (m *Manager) reloadViaConsole(ctx context.Context, dev *testbed.Device, res *ReloadResult) {
	if dev.Console == nil {
		res.Err = fmt.Errorf("no console line: %w", util.ErrInvalidConfig)
		return
	}
	sess, err := m.dial(ctx, dev.Console.TermServer, dev.Console.Port)
	if err != nil {
		res.Err = err
		return
	}
	sr, err := m.reloadScript(dev).Run(sess)
	if sr != nil {
		res.Skipped = sr.Skipped()
	}
	sess.Send(lineclear.EscapeChar)
	sess.SendLine("quit")
	sess.Close()
	if err != nil {
		res.Err = err
		return
	}
	res.Completed = true

	if !m.opts.Sleep(ctx, m.opts.ReloadSettle) {
		res.Err = ctx.Err()
		return
	}
	res.Reachable = m.waitReachable(ctx, dev)
}

func (m *Manager) reloadViaAPI(ctx context.Context, dev *testbed.Device, res *ReloadResult) {
	if m.api == nil {
		res.Err = fmt.Errorf("no reload API configured: %w", util.ErrInvalidConfig)
		return
	}
	err := m.api.Reload(ctx, dev, ReloadTimeouts{
		Settle:    m.opts.ReloadSettle,
		Reachable: m.opts.ReachableTimeout,
		Interval:  m.opts.ReachableInterval,
	})
	if err != nil {
		res.Err = err
		return
	}
	res.Completed = true
	res.Reachable = m.prober == nil || m.prober.Check(ctx, dev.Address)
}

func (m *Manager) waitReachable(ctx context.Context, dev *testbed.Device) bool {
	if m.prober == nil {
		return false
	}
	return m.prober.WaitReachable(ctx, dev.Address, m.opts.ReachableTimeout, m.opts.ReachableInterval)
}

// MultipleDeviceReload reloads devices concurrently, one worker per device,
// and returns exactly one result per distinct EID.
func (m *Manager) MultipleDeviceReload(ctx context.Context, eids []string) map[string]ReloadResult {
	results := make(map[string]ReloadResult, len(eids))
	var tasks []parallel.Task
	seen := make(map[string]bool)
	collected := make(chan ReloadResult, len(eids))
	for _, eid := range eids {
		eid := eid // per-iteration copy; go.mod targets go1.21 loop semantics
		if seen[eid] {
			continue
		}
		seen[eid] = true
		tasks = append(tasks, parallel.Task{ID: eid, Run: func(ctx context.Context) parallel.Outcome {
			r := m.ReloadDevice(ctx, eid)
			collected <- r
			return parallel.Outcome{OK: r.Completed && r.Reachable, Message: r.Message, Err: r.Err}
		}})
	}

	runner := &parallel.Runner{RunID: m.runID, Sink: m.sink}
	outcomes, err := runner.Run(ctx, tasks)
	close(collected)
	for r := range collected {
		results[r.EID] = r
	}
	for eid := range seen {
		if _, ok := results[eid]; ok {
			continue
		}
		r := ReloadResult{EID: eid, Err: err}
		if o, ok := outcomes[eid]; ok {
			r.Err, r.Message = o.Err, o.Message
		}
		if r.Message == "" {
			r.Message = fmt.Sprintf("reload of %s not run: %v", eid, r.Err)
		}
		results[eid] = r
	}
	return results
}

// SSHRebootAPI reboots Linux hosts over SSH and waits for SSH to answer
// again.
type SSHRebootAPI struct {
	KnownHosts *sshutil.KnownHosts
	Timeout    time.Duration
	Sleep      func(ctx context.Context, d time.Duration) bool
}

func (a *SSHRebootAPI) Reload(ctx context.Context, dev *testbed.Device, t ReloadTimeouts) error {
	target := sshutil.Target{
		Host:     dev.Address,
		Port:     dev.SSHPort(),
		User:     dev.Credentials.Username,
		Password: dev.Credentials.Password,
		Timeout:  a.Timeout,
	}
	hostKey, err := a.hostKey()
	if err != nil {
		return err
	}
	client, err := sshutil.Dial(ctx, target, hostKey)
	if err != nil {
		return err
	}
	cmd := "sudo -n reboot"
	if dev.Credentials.Username == "root" {
		cmd = "reboot"
	}
	err = runDetached(client, cmd)
	client.Close()
	if err != nil {
		return fmt.Errorf("%s on %s: %w", cmd, dev.EID, err)
	}

	sleep := a.Sleep
	if sleep == nil {
		sleep = util.Sleep
	}
	if !sleep(ctx, t.Settle) {
		return ctx.Err()
	}
	return util.PollUntil(ctx, t.Reachable, t.Interval, func() (bool, error) {
		hostKey, err := a.hostKey()
		if err != nil {
			return false, err
		}
		c, err := sshutil.Dial(ctx, target, hostKey)
		if err != nil {
			util.WithDevice(dev.EID).Debugf("waiting for SSH: %v", err)
			return false, nil
		}
		c.Close()
		return true, nil
	})
}

func (a *SSHRebootAPI) hostKey() (ssh.HostKeyCallback, error) {
	if a.KnownHosts == nil {
		return nil, nil
	}
	// The host key may change across a re-image during reboot.
	if err := a.KnownHosts.Reset(); err != nil {
		return nil, err
	}
	return a.KnownHosts.Callback(), nil
}

// runDetached runs cmd and treats the connection dropping underneath it as
// success, which is what a reboot looks like.
func runDetached(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	if err == nil {
		return nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %s", err, out)
}
