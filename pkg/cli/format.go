// Package cli provides shared output and prompt helpers for the labharness CLI.
package cli

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// colorEnabled is false when NO_COLOR is set (per no-color.org) or stdout
// is not a terminal.
var colorEnabled = os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd()))

// SetColor forces color on or off.
func SetColor(on bool) { colorEnabled = on }

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Green wraps s in ANSI green.
func Green(s string) string { return paint("32", s) }

// Yellow wraps s in ANSI yellow.
func Yellow(s string) string { return paint("33", s) }

// Red wraps s in ANSI red.
func Red(s string) string { return paint("31", s) }

// Bold wraps s in ANSI bold.
func Bold(s string) string { return paint("1", s) }

// PassFail renders a verdict word.
func PassFail(ok bool) string {
	if ok {
		return Green("PASS")
	}
	return Red("FAIL")
}

// YesNo renders a boolean column.
func YesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// DotPad pads name with dots to the given width.
// Example: DotPad("rtr-1", 12) → "rtr-1 ......"
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	return name + " " + strings.Repeat(".", width-len(name)-1)
}
