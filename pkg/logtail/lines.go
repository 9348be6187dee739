package logtail

import (
	"bytes"
	"errors"
	"io"
)

// LineSplitter accumulates stream bytes and hands out complete lines. Lines
// end at '\n'; a trailing '\r' is dropped.
type LineSplitter struct {
	buf []byte
}

// Write appends p to the pending bytes.
func (s *LineSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Lines returns and removes every complete line buffered so far.
func (s *LineSplitter) Lines() []string {
	var out []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		out = append(out, string(bytes.TrimSuffix(s.buf[:i], []byte{'\r'})))
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out
}

// Flush returns the unterminated trailing fragment, if any.
func (s *LineSplitter) Flush() (string, bool) {
	if len(s.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(s.buf, []byte{'\r'}))
	s.buf = nil
	return line, true
}

const readChunk = 4096

// Lines iterates lazily over the lines of a stream:
//
//	for lines.Next() {
//		use(lines.Text())
//	}
//	if err := lines.Err(); err != nil { ... }
type Lines struct {
	rc    io.ReadCloser
	sp    LineSplitter
	queue []string
	cur   string
	chunk []byte
	done  bool
	err   error
}

// NewLines wraps rc. Close closes rc.
func NewLines(rc io.ReadCloser) *Lines {
	return &Lines{rc: rc, chunk: make([]byte, readChunk)}
}

// Next advances to the next line. It returns false at the end of the
// stream or on a read error.
func (l *Lines) Next() bool {
	for len(l.queue) == 0 {
		if l.done {
			return false
		}
		n, err := l.rc.Read(l.chunk)
		if n > 0 {
			l.sp.Write(l.chunk[:n])
			l.queue = append(l.queue, l.sp.Lines()...)
		}
		if err != nil {
			l.done = true
			if !errors.Is(err, io.EOF) {
				l.err = err
			}
			if frag, ok := l.sp.Flush(); ok {
				l.queue = append(l.queue, frag)
			}
		}
	}
	l.cur, l.queue = l.queue[0], l.queue[1:]
	return true
}

// Text returns the current line.
func (l *Lines) Text() string { return l.cur }

// Err returns the first non-EOF read error.
func (l *Lines) Err() error { return l.err }

// Close releases the underlying stream.
func (l *Lines) Close() error { return l.rc.Close() }

// All drains the iterator.
func (l *Lines) All() ([]string, error) {
	var out []string
	for l.Next() {
		out = append(out, l.Text())
	}
	return out, l.Err()
}
