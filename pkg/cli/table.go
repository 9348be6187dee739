package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Table writes column-aligned rows. Headers and a dash divider are written
// on the first Row, so empty tables produce no output.
type Table struct {
	w       *tabwriter.Writer
	headers []string
	written bool
}

// NewTable creates a table on stdout.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, headers...)
}

// NewTableTo creates a table on w.
func NewTableTo(w io.Writer, headers ...string) *Table {
	return &Table{w: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0), headers: headers}
}

// Row writes one row.
func (t *Table) Row(values ...string) {
	if !t.written {
		t.written = true
		fmt.Fprintln(t.w, strings.Join(t.headers, "\t"))
		dividers := make([]string, len(t.headers))
		for i, h := range t.headers {
			dividers[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintln(t.w, strings.Join(dividers, "\t"))
	}
	fmt.Fprintln(t.w, strings.Join(values, "\t"))
}

// Flush writes buffered rows.
func (t *Table) Flush() {
	if t.written {
		t.w.Flush()
	}
}
