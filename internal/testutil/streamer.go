package testutil

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

// FakeStreamer answers remote shell commands with canned output. Commands
// are matched against registered regular expressions in registration order.
type FakeStreamer struct {
	// Chunk limits every Read to this many bytes to exercise partial reads.
	Chunk int
	// Err, when set, is returned by every Stream call.
	Err error

	mu       sync.Mutex
	routes   []route
	commands []string
}

type route struct {
	re     *regexp.Regexp
	output func() string
	live   *io.PipeReader
}

// On registers static output for commands matching pattern.
func (f *FakeStreamer) On(pattern, output string) *FakeStreamer {
	return f.OnFunc(pattern, func() string { return output })
}

// OnFunc registers output computed at call time, so tests can change what a
// log "contains" between calls.
func (f *FakeStreamer) OnFunc(pattern string, output func() string) *FakeStreamer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, route{re: regexp.MustCompile(pattern), output: output})
	return f
}

// Live registers a follow-style stream for pattern and returns the writer
// that feeds it. Closing the writer ends the stream.
func (f *FakeStreamer) Live(pattern string) *io.PipeWriter {
	r, w := io.Pipe()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, route{re: regexp.MustCompile(pattern), live: r})
	return w
}

// Stream returns the output registered for cmd.
func (f *FakeStreamer) Stream(ctx context.Context, cmd string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	err := f.Err
	var rt *route
	for i := range f.routes {
		if f.routes[i].re.MatchString(cmd) {
			rt = &f.routes[i]
			break
		}
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, fmt.Errorf("fake streamer: no route for %q", cmd)
	}
	if rt.live != nil {
		go func() {
			<-ctx.Done()
			rt.live.CloseWithError(ctx.Err())
		}()
		return rt.live, nil
	}
	return io.NopCloser(&chunkReader{r: strings.NewReader(rt.output()), n: f.Chunk}), nil
}

// Commands returns every command streamed so far.
func (f *FakeStreamer) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.n > 0 && len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}
