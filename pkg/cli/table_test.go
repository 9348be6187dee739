package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "EID", "STATE")
	tbl.Flush()
	if buf.Len() != 0 {
		t.Errorf("empty table wrote %q", buf.String())
	}
}

func TestTable_Rows(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "EID", "STATE")
	tbl.Row("rtr-1", "connected")
	tbl.Row("nms-primary", "failed")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "---") {
		t.Errorf("divider line = %q", lines[1])
	}
	// Columns are aligned: STATE starts at the same offset on every line.
	col := strings.Index(lines[0], "STATE")
	if strings.Index(lines[2], "connected") != col || strings.Index(lines[3], "failed") != col {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}
