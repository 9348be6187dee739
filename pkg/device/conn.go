package device

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/lineclear"
	"github.com/newtron-network/labharness/pkg/testbed"
)

// Conn is an open connection to a device CLI.
type Conn interface {
	// Exec runs cmd and returns its output without the echoed command and
	// the trailing prompt.
	Exec(ctx context.Context, cmd string) (string, error)
	// Enable enters privileged mode.
	Enable(ctx context.Context) error
	Close() error
}

// Prompter is implemented by interactive connections that can answer
// prompts a command raises before returning to the CLI prompt.
type Prompter interface {
	ExecAnswering(ctx context.Context, cmd string, answers ...expect.Step) (string, error)
}

// SSHClienter is implemented by connections backed by an SSH client, which
// lets file operations use SFTP.
type SSHClienter interface {
	SSHClient() *ssh.Client
}

var (
	enableOrPassword = regexp.MustCompile(`(?i)password:\s*$|#\s*$`)
	privileged       = regexp.MustCompile(`#\s*$`)
)

// cliConn drives a prompt-based CLI over an interactive session.
type cliConn struct {
	dev     *testbed.Device
	sess    *expect.Session
	prompt  *regexp.Regexp
	timeout time.Duration
	console bool
}

func newCLIConn(dev *testbed.Device, sess *expect.Session, timeout time.Duration, console bool) (*cliConn, error) {
	prompt, err := regexp.Compile(dev.PromptPattern())
	if err != nil {
		return nil, fmt.Errorf("device %s: prompt pattern: %w", dev.EID, err)
	}
	return &cliConn{dev: dev, sess: sess, prompt: prompt, timeout: timeout, console: console}, nil
}

func (c *cliConn) Exec(ctx context.Context, cmd string) (string, error) {
	return c.ExecAnswering(ctx, cmd)
}

// ExecAnswering sends cmd and then answers each prompt in answers as it
// appears, each at most once, until the CLI prompt returns.
func (c *cliConn) ExecAnswering(ctx context.Context, cmd string, answers ...expect.Step) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.sess.SendLine(cmd); err != nil {
		return "", err
	}

	patterns := make([]*regexp.Regexp, len(answers))
	alts := make([]string, 0, len(answers)+1)
	for i, a := range answers {
		re, err := regexp.Compile(a.Expect)
		if err != nil {
			return "", fmt.Errorf("answer %q: %w", a.Expect, err)
		}
		patterns[i] = re
		alts = append(alts, "(?:"+a.Expect+")")
	}
	alts = append(alts, "(?:"+c.prompt.String()+")")
	combined, err := regexp.Compile(strings.Join(alts, "|"))
	if err != nil {
		return "", err
	}
	used := make([]bool, len(answers))

	var out strings.Builder
	for {
		m, err := c.sess.Expect(combined, c.timeout)
		if err != nil {
			return cleanOutput(out.String(), cmd), err
		}
		out.WriteString(m.Before)

		answered := false
		for i, re := range patterns {
			if used[i] || !re.MatchString(m.Text) {
				continue
			}
			used[i] = true
			answered = true
			out.WriteString(m.Text)
			if err := c.sess.Send(answers[i].Send); err != nil {
				return cleanOutput(out.String(), cmd), err
			}
			break
		}
		if !answered {
			return cleanOutput(out.String(), cmd), nil
		}
	}
}

// cleanOutput drops the echoed command line and the hostname left in front
// of the prompt character.
func cleanOutput(out, cmd string) string {
	out = strings.ReplaceAll(out, "\r", "")
	if i := strings.IndexByte(out, '\n'); i >= 0 && strings.TrimSpace(out[:i]) == strings.TrimSpace(cmd) {
		out = out[i+1:]
	} else if strings.TrimSpace(out) == strings.TrimSpace(cmd) {
		out = ""
	}
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	} else {
		out = ""
	}
	return strings.TrimSpace(out)
}

func (c *cliConn) Enable(ctx context.Context) error {
	if c.dev.OS == testbed.OSLinux {
		return linuxEnable(ctx, c, c.dev.Credentials.Username)
	}
	if err := c.sess.SendLine("enable"); err != nil {
		return err
	}
	m, err := c.sess.Expect(enableOrPassword, c.timeout)
	if err != nil {
		return fmt.Errorf("enable %s: %w", c.dev.EID, err)
	}
	if privileged.MatchString(m.Text) {
		return nil
	}
	if err := c.sess.SendLine(c.dev.Credentials.EnablePassword); err != nil {
		return err
	}
	if _, err := c.sess.Expect(privileged, c.timeout); err != nil {
		return fmt.Errorf("enable %s: privileged prompt: %w", c.dev.EID, err)
	}
	return nil
}

// Close leaves the CLI. Console sessions are left through the telnet escape
// so the terminal-server line is released.
func (c *cliConn) Close() error {
	if c.console {
		c.sess.Send(lineclear.EscapeChar)
		c.sess.SendLine("quit")
	} else {
		c.sess.SendLine("exit")
	}
	return c.sess.Close()
}

// sshConn runs each command in its own SSH exec session.
type sshConn struct {
	dev    *testbed.Device
	client *ssh.Client
}

func (c *sshConn) Exec(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(output), fmt.Errorf("SSH exec '%s': %w", cmd, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *sshConn) Enable(ctx context.Context) error {
	return linuxEnable(ctx, c, c.dev.Credentials.Username)
}

func (c *sshConn) Close() error { return c.client.Close() }

func (c *sshConn) SSHClient() *ssh.Client { return c.client }

// linuxEnable proves passwordless sudo. root needs nothing.
func linuxEnable(ctx context.Context, c Conn, user string) error {
	if user == "root" {
		return nil
	}
	out, err := c.Exec(ctx, "sudo -n true 2>&1; echo rc=$?")
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "rc=0" {
		return fmt.Errorf("sudo not available for %s: %s", user, strings.TrimSpace(out))
	}
	return nil
}
