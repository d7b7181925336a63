package main

import (
	"strings"
	"testing"
)

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable(
		[]string{"Name", "Status", "Detail"},
		[][]string{
			{"extract", "completed", "42 bytes"},
			{"enrich", "failed"},
		},
	)

	for _, want := range []string{"Name", "Status", "Detail", "extract", "enrich", "failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered table missing %q:\n%s", want, out)
		}
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	width := len(lines[0])
	for _, line := range lines {
		if len(line) != width {
			t.Fatalf("short row not padded to table width:\n%s", out)
		}
	}
}
