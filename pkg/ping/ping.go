// Package ping checks ICMP reachability by running the platform ping
// utility and parsing its summary line.
package ping

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/newtron-network/labharness/pkg/util"
)

// DefaultCount is the number of echo requests sent per check.
const DefaultCount = 5

// summaryRe matches the Linux iputils summary, e.g.
// "5 packets transmitted, 5 received, 0% packet loss, time 4005ms".
// The errors/duplicates variants ("+2 errors,") are tolerated.
var summaryRe = regexp.MustCompile(
	`(\d+) packets transmitted, (\d+) (?:packets )?received,(?: \+\d+ (?:errors|duplicates),)* ([\d.]+)% packet loss(?:, time (\d+)ms)?`)

// Summary is the parsed ping summary line.
type Summary struct {
	Transmitted int
	Received    int
	LossPercent float64
	Time        time.Duration
}

// Reachable reports whether at least one reply came back.
func (s Summary) Reachable() bool {
	return s.LossPercent < 100
}

// ParseSummary extracts the summary line from ping output.
func ParseSummary(output string) (Summary, bool) {
	m := summaryRe.FindStringSubmatch(output)
	if m == nil {
		return Summary{}, false
	}
	var s Summary
	var err error
	if s.Transmitted, err = strconv.Atoi(m[1]); err != nil {
		return Summary{}, false
	}
	if s.Received, err = strconv.Atoi(m[2]); err != nil {
		return Summary{}, false
	}
	if s.LossPercent, err = strconv.ParseFloat(m[3], 64); err != nil {
		return Summary{}, false
	}
	if m[4] != "" {
		ms, err := strconv.Atoi(m[4])
		if err == nil {
			s.Time = time.Duration(ms) * time.Millisecond
		}
	}
	return s, true
}

// RunFunc executes ping against host and returns its combined output.
type RunFunc func(ctx context.Context, host string, count int) ([]byte, error)

// Probe checks reachability of hosts.
type Probe struct {
	Count int
	Run   RunFunc
}

// New returns a Probe that shells out to the system ping.
func New() *Probe {
	return &Probe{Count: DefaultCount, Run: execPing}
}

func execPing(ctx context.Context, host string, count int) ([]byte, error) {
	return exec.CommandContext(ctx, "ping", "-c", strconv.Itoa(count), host).CombinedOutput()
}

// Check sends echo requests to host and reports whether any were answered.
// Output that does not contain a recognisable summary counts as unreachable
// and is logged in full.
func (p *Probe) Check(ctx context.Context, host string) bool {
	count := p.Count
	if count <= 0 {
		count = DefaultCount
	}
	run := p.Run
	if run == nil {
		run = execPing
	}

	out, err := run(ctx, host, count)
	s, ok := ParseSummary(string(out))
	if !ok {
		util.WithField("host", host).Warnf("ping: no summary line (err=%v), raw output:\n%s", err, out)
		return false
	}
	util.WithField("host", host).Debugf("ping: %d/%d received, %.0f%% loss", s.Received, s.Transmitted, s.LossPercent)
	return s.Reachable()
}

// WaitReachable polls Check until the host answers or the timeout elapses.
func (p *Probe) WaitReachable(ctx context.Context, host string, timeout, interval time.Duration) bool {
	err := util.PollUntil(ctx, timeout, interval, func() (bool, error) {
		return p.Check(ctx, host), nil
	})
	return err == nil
}
