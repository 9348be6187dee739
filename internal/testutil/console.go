// Package testutil provides fakes and helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/newtron-network/labharness/pkg/expect"
)

// Escape is the telnet escape character (Ctrl-]).
const Escape = "\x1d"

// Rule answers one input line. On is a regular expression matched against
// the received line with its terminator removed. A Once rule fires a single
// time; a Silent rule records the input but never replies, which is how
// tests inject a prompt timeout.
type Rule struct {
	On     string
	Reply  string
	Once   bool
	Silent bool

	re    *regexp.Regexp
	fired bool
}

// FakeConsole is a scripted interactive peer. Each Dial starts a new
// conversation that opens with Greeting and then answers input lines using
// the first matching rule. All input is recorded across conversations.
type FakeConsole struct {
	Greeting string

	mu       sync.Mutex
	rules    []*Rule
	received []string
	dials    []string
	conns    []net.Conn
}

// NewFakeConsole compiles the rules. It panics on a bad pattern since rules
// are test fixtures.
func NewFakeConsole(greeting string, rules ...Rule) *FakeConsole {
	fc := &FakeConsole{Greeting: greeting}
	for i := range rules {
		r := rules[i]
		r.re = regexp.MustCompile(r.On)
		fc.rules = append(fc.rules, &r)
	}
	return fc
}

// Dial implements expect.Dialer.
func (fc *FakeConsole) Dial(ctx context.Context, host string, port int) (*expect.Session, error) {
	client, server := net.Pipe()
	fc.mu.Lock()
	fc.dials = append(fc.dials, fmt.Sprintf("%s:%d", host, port))
	fc.conns = append(fc.conns, server)
	fc.mu.Unlock()

	go fc.serve(server)
	return expect.NewSession("fake "+host, client), nil
}

// Session opens a conversation without going through a dialer.
func (fc *FakeConsole) Session() *expect.Session {
	s, _ := fc.Dial(context.Background(), "fake", 0)
	return s
}

func (fc *FakeConsole) serve(conn net.Conn) {
	defer conn.Close()
	if fc.Greeting != "" {
		if _, err := conn.Write([]byte(fc.Greeting)); err != nil {
			return
		}
	}
	buf := make([]byte, 1024)
	var acc []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				line, rest, ok := cutLine(acc)
				if !ok {
					break
				}
				acc = rest
				if reply, ok := fc.handle(line); ok && reply != "" {
					if _, err := conn.Write([]byte(reply)); err != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// cutLine splits off the first line terminated by \r or \n. A lone escape
// character is its own line since it is never followed by a terminator.
func cutLine(b []byte) (string, []byte, bool) {
	for i, c := range b {
		switch c {
		case '\r', '\n':
			j := i + 1
			if c == '\r' && j < len(b) && b[j] == '\n' {
				j++
			}
			return string(b[:i]), b[j:], true
		case Escape[0]:
			if i == 0 {
				return Escape, b[1:], true
			}
			return string(b[:i]), b[i:], true
		}
	}
	return "", b, false
}

func (fc *FakeConsole) handle(line string) (string, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.received = append(fc.received, line)
	for _, r := range fc.rules {
		if r.Once && r.fired {
			continue
		}
		if !r.re.MatchString(line) {
			continue
		}
		r.fired = true
		if r.Silent {
			return "", false
		}
		return r.Reply, true
	}
	return "", false
}

// Received returns every input line seen so far.
func (fc *FakeConsole) Received() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]string, len(fc.received))
	copy(out, fc.received)
	return out
}

// Saw reports whether an input line equal to line was received.
func (fc *FakeConsole) Saw(line string) bool {
	for _, l := range fc.Received() {
		if l == line {
			return true
		}
	}
	return false
}

// Dials returns the host:port of every conversation opened.
func (fc *FakeConsole) Dials() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.dials...)
}

// Transcript joins the received lines for failure messages.
func (fc *FakeConsole) Transcript() string {
	return strings.Join(fc.Received(), " | ")
}

// Hangup closes the server side of every open conversation.
func (fc *FakeConsole) Hangup() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, c := range fc.conns {
		c.Close()
	}
}
