package logtail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/labharness/pkg/util"
)

// Streamer runs a shell command on the log host and streams its stdout.
// Closing the returned reader stops the command.
type Streamer interface {
	Stream(ctx context.Context, cmd string) (io.ReadCloser, error)
}

// SSHStreamer runs each command in its own session on an established client.
type SSHStreamer struct {
	Client *ssh.Client
}

// Stream starts cmd and returns its stdout. The session is torn down when
// the reader is closed or ctx ends.
func (s *SSHStreamer) Stream(ctx context.Context, cmd string) (io.ReadCloser, error) {
	if s.Client == nil {
		return nil, fmt.Errorf("log stream: %w", util.ErrNotConnected)
	}
	sess, err := s.Client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("log stream session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("log stream stdout: %w", err)
	}
	st := &sessionStream{sess: sess, out: stdout, cmd: cmd, done: make(chan struct{})}
	sess.Stderr = &st.stderr
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("log stream start: %w", err)
	}
	util.WithOperation("log-stream").Debugf("started: %s", cmd)

	go func() {
		select {
		case <-ctx.Done():
			st.Close()
		case <-st.done:
		}
	}()
	return st, nil
}

type sessionStream struct {
	sess   *ssh.Session
	out    io.Reader
	cmd    string
	stderr bytes.Buffer

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
	done      chan struct{}
}

func (s *sessionStream) Read(p []byte) (int, error) {
	n, err := s.out.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// wait collects the exit status once stdout is drained. grep exits 1 when
// nothing matched, which is an empty result rather than a failure. Status 1
// with stderr output means an earlier stage of the pipeline failed, e.g.
// tail could not open the log.
func (s *sessionStream) wait() error {
	s.waitOnce.Do(func() {
		err := s.sess.Wait()
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			stderr := strings.TrimSpace(s.stderr.String())
			if exitErr.ExitStatus() == 1 && stderr == "" {
				return
			}
			s.waitErr = fmt.Errorf("log command %q exited %d: %s", s.cmd, exitErr.ExitStatus(), stderr)
			return
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return
		}
		s.waitErr = err
	})
	return s.waitErr
}

func (s *sessionStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.sess.Signal(ssh.SIGKILL)
		if cerr := s.sess.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = cerr
		}
	})
	return err
}
