package logtail

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/newtron-network/labharness/pkg/util"
)

// Reader turns log requests into line streams.
type Reader struct {
	Streamer Streamer
}

// Read composes the command for req and streams its output line by line.
// The caller must Close the result.
func (r *Reader) Read(ctx context.Context, req Request) (*Lines, error) {
	cmd, err := Command(req)
	if err != nil {
		return nil, err
	}
	if r == nil || r.Streamer == nil {
		return nil, fmt.Errorf("log read %s: %w", req.LogPath, util.ErrNotConnected)
	}
	rc, err := r.Streamer.Stream(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("log read %s (%s): %w", req.LogPath, req.Mode, err)
	}
	return NewLines(rc), nil
}

// LineCount returns the number of lines currently in path.
func (r *Reader) LineCount(ctx context.Context, path string) (int64, error) {
	lines, err := r.Read(ctx, Request{Mode: ModeLineCount, LogPath: path})
	if err != nil {
		return 0, err
	}
	defer lines.Close()

	out, err := lines.All()
	if err != nil {
		return 0, fmt.Errorf("counting lines of %s: %w", path, err)
	}
	for _, l := range out {
		if l = strings.TrimSpace(l); l == "" {
			continue
		}
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counting lines of %s: unexpected output %q", path, util.Truncate(l, 80))
		}
		return n, nil
	}
	return 0, fmt.Errorf("counting lines of %s: no output", path)
}
