package logtail

import "strings"

// baseline lists error-line fragments that the management system logs during
// normal operation. A line containing any of them never fails a check.
var baseline = []string{
	"User has not logged in",
	"Session has expired",
	"Session timed out",
	"Invalid session token",
	"Token has expired",
	"Connection reset by peer",
	"Broken pipe",
	"ClientAbortException",
	"Socket closed",
	"Request cancelled by client",
	"Failed to load user preferences",
	"Favicon not found",
	"Unable to resolve hostname for trap source",
	"SNMP request timed out, retrying",
	"Unknown trap OID",
	"Duplicate heartbeat ignored",
	"Stale cache entry evicted",
	"Scheduler thread interrupted during shutdown",
	"Deprecated API called",
	"Certificate will expire",
	"Retrying database connection",
	"Lock acquisition retried",
	"Job queue is empty",
	"Syslog message dropped: rate limit",
	"Failed to send keepalive",
}

// Baseline returns a copy of the built-in suppression fragments.
func Baseline() []string {
	return append([]string(nil), baseline...)
}

// FilterSet suppresses known-benign error lines by substring match.
type FilterSet struct {
	fragments []string
}

// NewFilterSet returns the baseline extended with extra. Callers can only
// add fragments; the baseline always applies.
func NewFilterSet(extra ...string) *FilterSet {
	f := &FilterSet{fragments: Baseline()}
	f.Add(extra...)
	return f
}

// Add extends the set. Empty fragments are ignored since they would
// suppress every line.
func (f *FilterSet) Add(extra ...string) {
	for _, e := range extra {
		if e != "" {
			f.fragments = append(f.fragments, e)
		}
	}
}

// Fragments returns the active fragments.
func (f *FilterSet) Fragments() []string {
	return append([]string(nil), f.fragments...)
}

// Suppressed reports whether line contains any fragment.
func (f *FilterSet) Suppressed(line string) bool {
	for _, frag := range f.fragments {
		if strings.Contains(line, frag) {
			return true
		}
	}
	return false
}
