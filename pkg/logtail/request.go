// Package logtail reads remote log files over a shell channel and correlates
// error lines with the window of a test action.
package logtail

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/newtron-network/labharness/pkg/util"
)

// Mode selects the log-selection command.
type Mode int

const (
	// ModeLineCount counts the lines currently in the log.
	ModeLineCount Mode = iota
	// ModeFollow follows new lines as they are written, filtered by Pattern.
	ModeFollow
	// ModeFromLineGrep reads from FromLine on, keeping lines matching Pattern.
	ModeFromLineGrep
	// ModeFromLineErrors reads from FromLine on, keeping lines matching
	// ErrorPattern that mention one of Subsystems.
	ModeFromLineErrors
	// ModeFromLine reads everything from FromLine on.
	ModeFromLine
)

func (m Mode) String() string {
	switch m {
	case ModeLineCount:
		return "line-count"
	case ModeFollow:
		return "follow"
	case ModeFromLineGrep:
		return "from-line-grep"
	case ModeFromLineErrors:
		return "from-line-errors"
	case ModeFromLine:
		return "from-line"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Request describes one log read.
type Request struct {
	Mode    Mode
	LogPath string
	// FromLine is the 1-based first line to read. Zero reads from the top.
	FromLine     int64
	Pattern      string
	ErrorPattern string
	Subsystems   []string
}

// Command composes the shell pipeline for req. Every operand is single
// quoted, so paths and patterns reach tail and grep unchanged.
func Command(req Request) (string, error) {
	if req.LogPath == "" {
		return "", fmt.Errorf("log request %s: log path: %w", req.Mode, util.ErrMissingArgument)
	}
	if req.FromLine < 0 {
		return "", fmt.Errorf("log request %s: negative line %d: %w", req.Mode, req.FromLine, util.ErrInvalidConfig)
	}
	path := util.SingleQuote(req.LogPath)
	from := req.FromLine
	if from == 0 {
		from = 1
	}
	tailFrom := fmt.Sprintf("tail -n +%d %s", from, path)

	switch req.Mode {
	case ModeLineCount:
		return "wc -l < " + path, nil

	case ModeFollow:
		cmd := "tail -n 0 -F " + path
		if req.Pattern != "" {
			if err := checkPattern(req.Pattern); err != nil {
				return "", err
			}
			cmd += " | grep --line-buffered -E " + util.SingleQuote(req.Pattern)
		}
		return cmd, nil

	case ModeFromLineGrep:
		if req.Pattern == "" {
			return "", fmt.Errorf("log request %s: pattern: %w", req.Mode, util.ErrMissingArgument)
		}
		if err := checkPattern(req.Pattern); err != nil {
			return "", err
		}
		return tailFrom + " | grep -E " + util.SingleQuote(req.Pattern), nil

	case ModeFromLineErrors:
		if req.ErrorPattern == "" {
			return "", fmt.Errorf("log request %s: error pattern: %w", req.Mode, util.ErrMissingArgument)
		}
		if err := checkPattern(req.ErrorPattern); err != nil {
			return "", err
		}
		cmd := tailFrom + " | grep -E " + util.SingleQuote(req.ErrorPattern)
		if subs := subsystemPattern(req.Subsystems); subs != "" {
			cmd += " | grep -iE " + util.SingleQuote(subs)
		}
		return cmd, nil

	case ModeFromLine:
		return tailFrom, nil
	}
	return "", fmt.Errorf("log request: unknown mode %d: %w", int(req.Mode), util.ErrInvalidConfig)
}

// checkPattern rejects patterns that are not valid extended regular
// expressions as far as Go's syntax can tell.
func checkPattern(p string) error {
	if _, err := regexp.Compile(p); err != nil {
		return fmt.Errorf("log pattern %q: %w: %v", p, util.ErrInvalidConfig, err)
	}
	return nil
}

// subsystemPattern turns subsystem names into a literal alternation.
func subsystemPattern(subs []string) string {
	var parts []string
	for _, s := range subs {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, regexp.QuoteMeta(s))
		}
	}
	return strings.Join(parts, "|")
}
