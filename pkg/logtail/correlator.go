package logtail

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/newtron-network/labharness/pkg/util"
)

// DefaultErrorPattern selects error-severity lines.
const DefaultErrorPattern = `ERROR|SEVERE|FATAL|Exception`

// Position is a line count in the log at the moment it was marked. Lines
// after a position start at Position+1.
type Position int64

// Correlator attributes log errors to the window of a test action: mark
// before acting, check afterwards.
type Correlator struct {
	Reader       *Reader
	LogPath      string
	ErrorPattern string

	mu   sync.Mutex
	last Position
}

// Resume seeds the correlator with a previously saved mark so later marks
// never fall behind it.
func (c *Correlator) Resume(pos Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos > c.last {
		c.last = pos
	}
}

// Mark records the current end of the log. A shrinking log (rotation) keeps
// the previous position.
func (c *Correlator) Mark(ctx context.Context) (Position, error) {
	n, err := c.Reader.LineCount(ctx, c.LogPath)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := Position(n)
	if pos < c.last {
		util.WithOperation("log-mark").Warnf("%s shrank from %d to %d lines, keeping mark at %d",
			c.LogPath, c.last, pos, c.last)
		return c.last, nil
	}
	c.last = pos
	return pos, nil
}

// CheckOptions narrows a check.
type CheckOptions struct {
	// Subsystems restricts error lines to those mentioning one of these
	// names, case-insensitively. Empty keeps every error line.
	Subsystems []string
	// Filters adds suppression fragments to the baseline.
	Filters []string
}

// Verdict is the outcome of a check.
type Verdict struct {
	Failed     bool
	FailFlag   bool
	Residual   []string
	Suppressed int
	Err        error
}

func (v Verdict) String() string {
	switch {
	case v.Err != nil:
		return fmt.Sprintf("FAILED (log unreadable: %v)", v.Err)
	case len(v.Residual) > 0:
		return fmt.Sprintf("FAILED (%d unexpected error lines)", len(v.Residual))
	case v.FailFlag:
		return "FAILED (action reported failure)"
	}
	return "PASSED"
}

const residualLogLimit = 20

// Check reads the error lines written after pos and decides the verdict.
// The check fails when failFlag is set, when an error line survives the
// filters, or when the log cannot be read.
func (c *Correlator) Check(ctx context.Context, pos Position, failFlag bool, opts CheckOptions) (v Verdict) {
	log := util.WithOperation("log-check").WithField("log", c.LogPath)
	v.FailFlag = failFlag
	defer func() {
		if r := recover(); r != nil {
			v.Err = fmt.Errorf("log check panicked: %v", r)
		}
		v.Failed = v.FailFlag || v.Err != nil || len(v.Residual) > 0
		if v.Failed {
			log.Warnf("from line %d: %s", int64(pos)+1, v)
		} else {
			log.Infof("from line %d: %s (%d suppressed)", int64(pos)+1, v, v.Suppressed)
		}
	}()

	pattern := c.ErrorPattern
	if pattern == "" {
		pattern = DefaultErrorPattern
	}
	lines, err := c.Reader.Read(ctx, Request{
		Mode:         ModeFromLineErrors,
		LogPath:      c.LogPath,
		FromLine:     int64(pos) + 1,
		ErrorPattern: pattern,
		Subsystems:   opts.Subsystems,
	})
	if err != nil {
		v.Err = err
		return v
	}
	defer lines.Close()

	filters := NewFilterSet(opts.Filters...)
	for lines.Next() {
		line := lines.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if filters.Suppressed(line) {
			v.Suppressed++
			continue
		}
		if len(v.Residual) < residualLogLimit {
			log.Warnf("unexpected: %s", util.Truncate(line, 300))
		}
		v.Residual = append(v.Residual, line)
	}
	if err := lines.Err(); err != nil {
		v.Err = err
	}
	return v
}
