package expect

import (
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/labharness/pkg/util"
)

// peer is the far end of a session: it records input and lets the test
// write output whenever it wants.
type peer struct {
	conn net.Conn
	mu   sync.Mutex
	in   strings.Builder
}

func newPair(t *testing.T) (*Session, *peer) {
	t.Helper()
	client, server := net.Pipe()
	p := &peer{conn: server}
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := server.Read(buf)
			p.mu.Lock()
			p.in.Write(buf[:n])
			p.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	s := NewSession("test", client)
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s, p
}

func (p *peer) say(t *testing.T, text string) {
	t.Helper()
	_, err := p.conn.Write([]byte(text))
	require.NoError(t, err)
}

func (p *peer) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.String()
}

func TestExpect_Match(t *testing.T) {
	s, p := newPair(t)
	go p.say(t, "banner\r\nUser Access Verification\r\n\r\nUsername: ")

	m, err := s.Expect(regexp.MustCompile(`Username:\s*$`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Username: ", m.Text)
	assert.Contains(t, m.Before, "User Access Verification")
	assert.Empty(t, s.Pending(), "match consumes the buffer")
}

func TestExpect_Groups(t *testing.T) {
	s, p := newPair(t)
	go p.say(t, "rtr-01(config)#")

	m, err := s.Expect(regexp.MustCompile(`(\S+?)(\(config\))?#$`), time.Second)
	require.NoError(t, err)
	require.Len(t, m.Groups, 3)
	assert.Equal(t, "rtr-01", m.Groups[1])
	assert.Equal(t, "(config)", m.Groups[2])
}

func TestExpect_KeepsRemainder(t *testing.T) {
	s, p := newPair(t)
	go p.say(t, "Password: rtr-01>")

	_, err := s.Expect(regexp.MustCompile(`Password:`), time.Second)
	require.NoError(t, err)
	m, err := s.Expect(regexp.MustCompile(`>$`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, " rtr-01", m.Before)
}

func TestExpect_Timeout(t *testing.T) {
	s, p := newPair(t)
	go p.say(t, "something else")

	_, err := s.Expect(regexp.MustCompile(`Username:`), 50*time.Millisecond)
	require.Error(t, err)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.True(t, errors.Is(err, util.ErrTimeout))
	assert.Equal(t, "Username:", te.Pattern)
	assert.Equal(t, "something else", te.Buffered)
	assert.Equal(t, "something else", s.Pending(), "timeout leaves the buffer intact")
}

func TestExpect_PartialArrival(t *testing.T) {
	s, p := newPair(t)
	go func() {
		p.say(t, "Proceed with rel")
		time.Sleep(20 * time.Millisecond)
		p.say(t, "oad? [confirm]")
	}()

	_, err := s.Expect(regexp.MustCompile(`Proceed with reload\? \[confirm\]`), time.Second)
	require.NoError(t, err)
}

func TestExpect_EOF(t *testing.T) {
	s, p := newPair(t)
	p.conn.Close()

	_, err := s.Expect(regexp.MustCompile(`never`), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF), "err = %v", err)
}

func TestSend(t *testing.T) {
	s, p := newPair(t)
	require.NoError(t, s.SendLine("enable"))
	require.NoError(t, s.Send("\x1d"))

	require.Eventually(t, func() bool { return p.input() == "enable\r\x1d" }, time.Second, 5*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	s, _ := newPair(t)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not stop after Close")
	}
}
