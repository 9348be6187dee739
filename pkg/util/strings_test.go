package util

import (
	"reflect"
	"testing"
)

func TestSplitCommaSeparated(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"rtr-01", []string{"rtr-01"}},
		{"rtr-01, rtr-02 ,,rtr-03", []string{"rtr-01", "rtr-02", "rtr-03"}},
	}
	for _, tt := range tests {
		if got := SplitCommaSeparated(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitCommaSeparated(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSingleQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "''"},
		{"/var/log/nms/server.log", "'/var/log/nms/server.log'"},
		{"it's", `'it'\''s'`},
		{"ERROR|FATAL", "'ERROR|FATAL'"},
	}
	for _, tt := range tests {
		if got := SingleQuote(tt.in); got != tt.want {
			t.Errorf("SingleQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestShellQuotePath(t *testing.T) {
	if got := ShellQuotePath("~/logs/app.log"); got != "~/'logs/app.log'" {
		t.Errorf("ShellQuotePath(~/...) = %s", got)
	}
	if got := ShellQuotePath("/opt/app log/x.log"); got != "'/opt/app log/x.log'" {
		t.Errorf("ShellQuotePath(abs) = %s", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("0123456789abc", 8); got != "01234..." {
		t.Errorf("Truncate long = %q", got)
	}
}
