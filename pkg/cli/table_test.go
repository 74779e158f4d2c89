package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTable_EmptyProducesNoOutput(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "ID", "STATUS")
	tbl.Flush()

	if buf.Len() != 0 {
		t.Errorf("empty table should print nothing, got %q", buf.String())
	}
}

func TestTable_HeadersOnFirstRow(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "ID", "STATUS", "TEXT")
	tbl.Row("01ABC", "applied", "cap bandwidth")
	tbl.Row("01DEF", "pending", "set interval")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines (header, divider, 2 rows), got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[0], "STATUS") {
		t.Errorf("header line wrong: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "--") {
		t.Errorf("divider line wrong: %q", lines[1])
	}
	if !strings.Contains(lines[2], "01ABC") || !strings.Contains(lines[2], "applied") {
		t.Errorf("row line wrong: %q", lines[2])
	}
}

func TestTable_ColumnsAligned(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "A", "B")
	tbl.Row("short", "x")
	tbl.Row("much-longer-value", "y")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	// tabwriter pads every line to the same column offsets
	xCol := strings.Index(lines[2], "x")
	yCol := strings.Index(lines[3], "y")
	if xCol != yCol {
		t.Errorf("second column misaligned: %d vs %d\n%s", xCol, yCol, buf.String())
	}
}

func TestTable_WithPrefix(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "KIND", "TARGET").WithPrefix("  ")
	tbl.Row("bandwidth_cap", "camera-01")
	tbl.Flush()

	for i, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if !strings.HasPrefix(line, "  ") {
			t.Errorf("line %d missing prefix: %q", i, line)
		}
	}
}
