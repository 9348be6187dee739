package expect

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/labharness/pkg/sshutil"
)

// Dialer opens an interactive session to host:port. Production code uses
// TelnetDialer; tests substitute scripted peers.
type Dialer func(ctx context.Context, host string, port int) (*Session, error)

// TelnetDialer spawns the system telnet client against host:port.
func TelnetDialer(ctx context.Context, host string, port int) (*Session, error) {
	args := []string{host}
	if port > 0 {
		args = append(args, strconv.Itoa(port))
	}
	return SpawnProcess(ctx, "telnet", args...)
}

// processConn adapts a child process to io.ReadWriteCloser. stdout and stderr
// share one pipe so prompts printed on either are seen.
type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *os.File
	waitCh chan error
}

// SpawnProcess starts name with args and returns a session over its stdio.
// Close kills the process if it has not exited within a short grace period.
func SpawnProcess(ctx context.Context, name string, args ...string) (*Session, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin: %w", name, err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: pipe: %w", name, err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	// The child holds its own copy of the write end.
	w.Close()

	pc := &processConn{cmd: cmd, stdin: stdin, output: r, waitCh: make(chan error, 1)}
	go func() { pc.waitCh <- cmd.Wait() }()

	label := strings.TrimSpace(name + " " + strings.Join(args, " "))
	return NewSession(label, pc), nil
}

func (p *processConn) Read(b []byte) (int, error)  { return p.output.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *processConn) Close() error {
	p.stdin.Close()
	select {
	case <-p.waitCh:
	case <-time.After(2 * time.Second):
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.waitCh
	}
	return p.output.Close()
}

// shellConn adapts an SSH shell channel to io.ReadWriteCloser.
type shellConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *shellConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *shellConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *shellConn) Close() error {
	c.stdin.Close()
	c.session.Close()
	return c.client.Close()
}

// DialSSHShell opens an interactive PTY shell over SSH, for devices whose
// CLI is only reachable that way.
func DialSSHShell(ctx context.Context, t sshutil.Target, hostKey ssh.HostKeyCallback) (*Session, error) {
	client, err := sshutil.Dial(ctx, t, hostKey)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("SSH session %s: %w", t.Addr(), err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	var ptyErr error
	for _, term := range []string{"vt100", "xterm", "dumb"} {
		if ptyErr = session.RequestPty(term, 200, 50, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("request pty on %s: %w", t.Addr(), ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("SSH stdin %s: %w", t.Addr(), err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("SSH stdout %s: %w", t.Addr(), err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start shell on %s: %w", t.Addr(), err)
	}

	return NewSession("ssh "+t.User+"@"+t.Addr(), &shellConn{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}), nil
}
