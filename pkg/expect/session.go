// Package expect drives prompt-based command line interfaces (telnet
// consoles, SSH shells) with expect/send semantics.
package expect

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/newtron-network/labharness/pkg/util"
)

// tailLen bounds how much buffered output is kept in timeout errors.
const tailLen = 512

// Match is the result of a successful Expect.
type Match struct {
	// Before is the output that preceded the match.
	Before string
	// Text is the matched text; Groups holds submatches (index 0 is Text).
	Text   string
	Groups []string
}

// TimeoutError reports that a pattern was not seen in time.
type TimeoutError struct {
	Pattern  string
	Timeout  time.Duration
	Buffered string // tail of the unmatched output
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("expect %q: no match after %s (last output: %q)", e.Pattern, e.Timeout, e.Buffered)
}

func (e *TimeoutError) Unwrap() error {
	return util.ErrTimeout
}

// Session is one interactive conversation. A background goroutine copies
// everything the peer writes into a pending buffer which Expect consumes.
type Session struct {
	name string
	rw   io.ReadWriteCloser

	mu      sync.Mutex
	buf     []byte
	readErr error
	notify  chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewSession starts reading from rw. The session owns rw and closes it in
// Close.
func NewSession(name string, rw io.ReadWriteCloser) *Session {
	s := &Session{
		name:   name,
		rw:     rw,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Name returns the label given at construction.
func (s *Session) Name() string { return s.name }

func (s *Session) readLoop() {
	defer close(s.done)
	chunk := make([]byte, 4096)
	for {
		n, err := s.rw.Read(chunk)
		s.mu.Lock()
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			s.readErr = err
		}
		s.mu.Unlock()
		s.signal()
		if err != nil {
			return
		}
	}
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Expect waits up to timeout for pattern to appear in the pending output.
// On success the buffer is consumed through the end of the match. It
// returns *TimeoutError when the pattern does not show up in time, or an
// error wrapping the read error if the peer closed first.
func (s *Session) Expect(pattern *regexp.Regexp, timeout time.Duration) (Match, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if loc := pattern.FindSubmatchIndex(s.buf); loc != nil {
			m := buildMatch(s.buf, loc)
			rest := make([]byte, len(s.buf)-loc[1])
			copy(rest, s.buf[loc[1]:])
			s.buf = rest
			s.mu.Unlock()
			util.Logger.WithField("session", s.name).Debugf("expect %q matched %q", pattern, m.Text)
			return m, nil
		}
		readErr := s.readErr
		pending := tail(s.buf)
		s.mu.Unlock()

		if readErr != nil {
			return Match{}, fmt.Errorf("expect %q: stream closed (last output: %q): %w", pattern, pending, readErr)
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return Match{}, &TimeoutError{Pattern: pattern.String(), Timeout: timeout, Buffered: pending}
		}
	}
}

func buildMatch(buf []byte, loc []int) Match {
	m := Match{
		Before: string(buf[:loc[0]]),
		Text:   string(buf[loc[0]:loc[1]]),
	}
	for i := 0; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			m.Groups = append(m.Groups, "")
			continue
		}
		m.Groups = append(m.Groups, string(buf[loc[i]:loc[i+1]]))
	}
	return m
}

func tail(b []byte) string {
	if len(b) > tailLen {
		b = b[len(b)-tailLen:]
	}
	return string(b)
}

// Send writes text verbatim; callers include any line terminator.
func (s *Session) Send(text string) error {
	if _, err := io.WriteString(s.rw, text); err != nil {
		return fmt.Errorf("send to %s: %w", s.name, err)
	}
	util.Logger.WithField("session", s.name).Debugf("sent %q", text)
	return nil
}

// SendLine writes text followed by a carriage return.
func (s *Session) SendLine(text string) error {
	return s.Send(text + "\r")
}

// Pending returns a copy of the unconsumed output.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rw.Close()
	})
	return s.closeErr
}

// Done is closed once the peer's output stream has ended.
func (s *Session) Done() <-chan struct{} { return s.done }
