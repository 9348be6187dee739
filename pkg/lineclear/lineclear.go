// Package lineclear frees a wedged terminal-server line by clearing it from
// the term server's own console.
package lineclear

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/util"
)

// EscapeChar is the telnet client's escape character (Ctrl-]).
const EscapeChar = "\x1d"

// Timeouts bounds each phase of the clear sequence.
type Timeouts struct {
	Login   time.Duration
	Confirm time.Duration
	Exit    time.Duration
}

// DefaultTimeouts returns the timeouts used by New.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Login:   20 * time.Second,
		Confirm: 10 * time.Second,
		Exit:    5 * time.Second,
	}
}

// Clearer connects to terminal servers and clears lines.
type Clearer struct {
	Dial     expect.Dialer
	Port     int // term-server management port; 0 means the telnet default
	Timeouts Timeouts
}

// New returns a Clearer that uses the system telnet client.
func New() *Clearer {
	return &Clearer{Dial: expect.TelnetDialer, Timeouts: DefaultTimeouts()}
}

var (
	passwordPrompt = `(?i)password:\s*$`
	userPrompt     = `[\w.\-]+>\s*$`
	enablePrompt   = `[\w.\-]+#\s*$`
)

var telnetPromptRe = regexp.MustCompile(`telnet>\s*$`)

// loginScript reaches privileged mode. Both password prompts are optional:
// a term server without a password just shows its prompt.
func (c *Clearer) loginScript(password string) *expect.Script {
	t := c.Timeouts
	return &expect.Script{
		Name: "termserver-login",
		Steps: []expect.Step{
			{Name: "wake", Send: "\r"},
			{Name: "password", Expect: passwordPrompt, Send: password + "\r", Optional: true, Timeout: t.Login},
			{Name: "user-prompt", Expect: userPrompt + `|` + enablePrompt, Send: "enable\r", Timeout: t.Login},
			{Name: "enable-password", Expect: passwordPrompt, Send: password + "\r", Optional: true, Timeout: t.Login},
			{Name: "enable-prompt", Expect: enablePrompt, Timeout: t.Login},
		},
	}
}

func (c *Clearer) clearScript(line int) *expect.Script {
	return &expect.Script{
		Name: "clear-line",
		Steps: []expect.Step{
			{Name: "clear", Send: "clear line " + strconv.Itoa(line) + "\r"},
			{Name: "confirm", Expect: `\[confirm\]`, Send: "\r", Timeout: c.Timeouts.Confirm},
			{Name: "done", Expect: `\[OK\]`, Optional: true, Timeout: c.Timeouts.Confirm},
		},
	}
}

// ForceCloseLine drops whatever session holds line on the terminal server at
// termIP. The console session is always left through the escape sequence
// and "quit", even when clearing failed, so the term-server session does not
// leak. An empty password is accepted.
func (c *Clearer) ForceCloseLine(ctx context.Context, termIP string, line int, password string) error {
	if termIP == "" {
		return fmt.Errorf("force close line: term server address: %w", util.ErrMissingArgument)
	}
	log := util.WithOperation("clear-line").WithField("termserver", termIP).WithField("line", line)

	dial := c.Dial
	if dial == nil {
		dial = expect.TelnetDialer
	}
	sess, err := dial(ctx, termIP, c.Port)
	if err != nil {
		return util.NewDeviceError("clear-line", termIP, err)
	}

	var clearErr error
	if _, err := c.loginScript(password).Run(sess); err != nil {
		clearErr = err
	} else if _, err := c.clearScript(line).Run(sess); err != nil {
		clearErr = err
	}

	if err := c.exit(sess, log); err != nil {
		log.Warnf("console cleanup: %v", err)
	}

	if clearErr != nil {
		log.Warnf("clear line failed: %v", clearErr)
		return util.NewDeviceError("clear-line", termIP, clearErr)
	}
	log.Info("line cleared")
	return nil
}

// exit leaves the telnet client with the escape character and quit, then
// closes the session regardless of how far that got.
func (c *Clearer) exit(sess *expect.Session, log *logrus.Entry) error {
	defer sess.Close()
	if err := sess.Send(EscapeChar); err != nil {
		return err
	}
	// The telnet> prompt is not printed by every client build.
	if _, err := sess.Expect(telnetPromptRe, c.Timeouts.Exit); err != nil {
		log.Debugf("telnet prompt not seen, sending quit anyway: %v", err)
	}
	return sess.SendLine("quit")
}
