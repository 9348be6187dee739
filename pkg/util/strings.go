package util

import "strings"

// SplitCommaSeparated splits a comma-separated string and trims whitespace from each element.
// Empty input returns nil.
func SplitCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// SingleQuote wraps a string in single quotes, escaping any embedded single
// quotes, so it survives one round of POSIX shell parsing.
func SingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellQuotePath quotes a path for a remote shell. Paths starting with ~/
// keep tilde expansion; everything else is fully single-quoted.
func ShellQuotePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return "~/" + SingleQuote(path[2:])
	}
	return SingleQuote(path)
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
