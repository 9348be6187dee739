package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when a secret is needed but stdin cannot prompt.
var ErrNoTerminal = errors.New("stdin is not a terminal")

// SecretReader reads one secret. The default reads from the controlling
// terminal without echo.
type SecretReader func(label string) (string, error)

// TerminalSecret prompts on stderr and reads from stdin without echo.
func TerminalSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s: %w", label, ErrNoTerminal)
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", label, err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// ReaderSecret reads newline-separated secrets from r, for scripted runs.
func ReaderSecret(r io.Reader) SecretReader {
	var buf []byte
	one := make([]byte, 1)
	return func(label string) (string, error) {
		buf = buf[:0]
		for {
			n, err := r.Read(one)
			if n == 1 {
				if one[0] == '\n' {
					return strings.TrimRight(string(buf), "\r"), nil
				}
				buf = append(buf, one[0])
			}
			if err != nil {
				if errors.Is(err, io.EOF) && len(buf) > 0 {
					return strings.TrimRight(string(buf), "\r"), nil
				}
				return "", fmt.Errorf("reading %s: %w", label, err)
			}
		}
	}
}
