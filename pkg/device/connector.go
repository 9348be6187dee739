package device

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/sshutil"
	"github.com/newtron-network/labharness/pkg/testbed"
	"github.com/newtron-network/labharness/pkg/util"
)

// Connector opens one connection attempt to a device.
type Connector interface {
	Connect(ctx context.Context, dev *testbed.Device) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, dev *testbed.Device) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, dev *testbed.Device) (Conn, error) {
	return f(ctx, dev)
}

const (
	DefaultLoginTimeout    = 30 * time.Second
	DefaultOptionalTimeout = 10 * time.Second
	DefaultCommandTimeout  = 60 * time.Second
)

// SSHConnector reaches devices over SSH. Linux hosts get an exec-per-command
// connection; IOS devices get an interactive shell.
type SSHConnector struct {
	// KnownHosts, when set, is reset before every attempt and refilled on
	// first contact. Nil disables host key checking.
	KnownHosts     *sshutil.KnownHosts
	Timeout        time.Duration
	CommandTimeout time.Duration
}

func (c *SSHConnector) hostKey() (ssh.HostKeyCallback, error) {
	if c.KnownHosts == nil {
		return nil, nil
	}
	if err := c.KnownHosts.Reset(); err != nil {
		return nil, err
	}
	return c.KnownHosts.Callback(), nil
}

func (c *SSHConnector) target(dev *testbed.Device) sshutil.Target {
	return sshutil.Target{
		Host:     dev.Address,
		Port:     dev.SSHPort(),
		User:     dev.Credentials.Username,
		Password: dev.Credentials.Password,
		Timeout:  c.Timeout,
	}
}

func (c *SSHConnector) Connect(ctx context.Context, dev *testbed.Device) (Conn, error) {
	hostKey, err := c.hostKey()
	if err != nil {
		return nil, err
	}
	t := c.target(dev)

	if dev.OS == testbed.OSIOS {
		sess, err := expect.DialSSHShell(ctx, t, hostKey)
		if err != nil {
			return nil, err
		}
		conn, err := newCLIConn(dev, sess, orDefault(c.CommandTimeout, DefaultCommandTimeout), false)
		if err != nil {
			sess.Close()
			return nil, err
		}
		if _, err := sess.Expect(conn.prompt, orDefault(c.Timeout, DefaultLoginTimeout)); err != nil {
			sess.Close()
			return nil, fmt.Errorf("waiting for prompt on %s: %w", dev.EID, err)
		}
		conn.Exec(ctx, "terminal length 0")
		return conn, nil
	}

	client, err := sshutil.Dial(ctx, t, hostKey)
	if err != nil {
		return nil, err
	}
	return &sshConn{dev: dev, client: client}, nil
}

// ConsoleConnector logs in over the device's terminal-server line.
type ConsoleConnector struct {
	Dial         expect.Dialer
	LoginTimeout time.Duration
	// OptionalTimeout bounds the wait for credential prompts that an
	// already logged-in line does not show.
	OptionalTimeout time.Duration
	CommandTimeout  time.Duration
}

// consoleLogin is the login conversation on a console line. Either
// credential prompt may be absent when the line is already logged in.
func consoleLogin(dev *testbed.Device, optional, timeout time.Duration) *expect.Script {
	return &expect.Script{
		Name: "console-login",
		Steps: []expect.Step{
			{Name: "wake", Send: "\r"},
			{Name: "username", Expect: `(?i)(username|login):\s*$`, Send: dev.Credentials.Username + "\r", Optional: true, Timeout: optional},
			{Name: "password", Expect: `(?i)password:\s*$`, Send: dev.Credentials.Password + "\r", Optional: true, Timeout: optional},
			{Name: "prompt", Expect: dev.PromptPattern(), Timeout: timeout},
		},
	}
}

func (c *ConsoleConnector) Connect(ctx context.Context, dev *testbed.Device) (Conn, error) {
	if dev.Console == nil {
		return nil, fmt.Errorf("device %s has no console line: %w", dev.EID, util.ErrInvalidConfig)
	}
	dial := c.Dial
	if dial == nil {
		dial = expect.TelnetDialer
	}
	sess, err := dial(ctx, dev.Console.TermServer, dev.Console.Port)
	if err != nil {
		return nil, err
	}
	conn, err := newCLIConn(dev, sess, orDefault(c.CommandTimeout, DefaultCommandTimeout), true)
	if err != nil {
		sess.Close()
		return nil, err
	}
	res, err := consoleLogin(dev, orDefault(c.OptionalTimeout, DefaultOptionalTimeout), orDefault(c.LoginTimeout, DefaultLoginTimeout)).Run(sess)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if skipped := res.Skipped(); len(skipped) > 0 {
		util.WithDevice(dev.EID).Debugf("console login skipped %v", skipped)
	}
	if dev.OS != testbed.OSLinux {
		conn.Exec(ctx, "terminal length 0")
	}
	return conn, nil
}

// KindConnector routes by device kind: console-reachable devices go over
// their console line, everything else over SSH.
type KindConnector struct {
	SSH     Connector
	Console Connector
}

func (k *KindConnector) Connect(ctx context.Context, dev *testbed.Device) (Conn, error) {
	if dev.Kind == testbed.KindConsoleReach {
		return k.Console.Connect(ctx, dev)
	}
	return k.SSH.Connect(ctx, dev)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
