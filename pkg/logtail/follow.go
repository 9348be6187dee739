package logtail

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/newtron-network/labharness/pkg/util"
)

const (
	DefaultFollowTimeout  = 5 * time.Minute
	DefaultFollowInterval = 5 * time.Second
)

// FollowRequest describes a live wait for expected log fragments.
type FollowRequest struct {
	LogPath string
	// Pattern prefilters lines on the log host. Empty matches any checklist
	// fragment.
	Pattern      string
	Checklist    []string
	Timeout      time.Duration
	PollInterval time.Duration
}

// FollowResult reports which fragments were seen before the stream ended.
type FollowResult struct {
	Matched []string
	Missing []string
	Lines   int
	Err     error
}

// OK reports whether every fragment was seen.
func (r FollowResult) OK() bool { return len(r.Missing) == 0 && r.Err == nil }

// Follower waits for fragments to appear in a growing log.
type Follower struct {
	Reader *Reader
}

// Tail follows req.LogPath from its current end and ticks fragments off the
// checklist as lines containing them arrive. It returns once the checklist
// is empty, the timeout elapses, ctx ends or the stream closes.
func (f *Follower) Tail(ctx context.Context, req FollowRequest) FollowResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultFollowTimeout
	}
	interval := req.PollInterval
	if interval <= 0 {
		interval = DefaultFollowInterval
	}
	log := util.WithOperation("log-follow").WithField("log", req.LogPath)

	remaining := make([]string, 0, len(req.Checklist))
	for _, c := range req.Checklist {
		if c != "" {
			remaining = append(remaining, c)
		}
	}
	res := FollowResult{}
	if len(remaining) == 0 {
		return res
	}

	pattern := req.Pattern
	if pattern == "" {
		quoted := make([]string, len(remaining))
		for i, c := range remaining {
			quoted[i] = regexp.QuoteMeta(c)
		}
		pattern = strings.Join(quoted, "|")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lines, err := f.Reader.Read(ctx, Request{Mode: ModeFollow, LogPath: req.LogPath, Pattern: pattern})
	if err != nil {
		res.Missing = remaining
		res.Err = err
		return res
	}
	defer lines.Close()

	feed := make(chan string)
	go func() {
		defer close(feed)
		for lines.Next() {
			select {
			case feed <- lines.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for len(remaining) > 0 {
		select {
		case line, ok := <-feed:
			if !ok {
				if err := lines.Err(); err != nil && ctx.Err() == nil {
					res.Err = err
				}
				break loop
			}
			res.Lines++
			kept := remaining[:0]
			for _, frag := range remaining {
				if strings.Contains(line, frag) {
					log.Infof("seen %q", frag)
					res.Matched = append(res.Matched, frag)
					continue
				}
				kept = append(kept, frag)
			}
			remaining = kept
		case <-ticker.C:
			log.Debugf("waiting for %d fragments: %s", len(remaining), strings.Join(remaining, ", "))
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warnf("timed out after %s with %d fragments missing", timeout, len(remaining))
			}
			break loop
		}
	}
	res.Missing = remaining
	if len(remaining) > 0 && res.Err == nil {
		switch err := ctx.Err(); {
		case errors.Is(err, context.DeadlineExceeded):
			res.Err = fmt.Errorf("follow %s: %w", req.LogPath, util.ErrTimeout)
		case err != nil:
			res.Err = err
		}
	}
	return res
}
