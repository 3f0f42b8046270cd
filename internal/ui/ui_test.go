package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestRender_Plain(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pass", RenderPass("✓"), "✓"},
		{"warn", RenderWarn("⚠"), "⚠"},
		{"fail", RenderFail("✗"), "✗"},
		{"status", RenderStatus("Unpaid"), "Unpaid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTable(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	out := Table([]string{"ID", "Name"}, [][]string{{"STU_001", "Amit Kumar"}, {"STU_002", "Priya Singh"}})
	for _, want := range []string{"ID", "Name", "STU_001", "Priya Singh"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n") + 1; lines < 5 {
		t.Errorf("table has %d lines, want header, rows and borders:\n%s", lines, out)
	}
}

func TestRequired(t *testing.T) {
	check := required("email")
	if err := check("  "); err == nil || err.Error() != "email is required" {
		t.Errorf("blank error = %v", err)
	}
	if err := check("a@b.c"); err != nil {
		t.Errorf("non-blank error = %v", err)
	}
}
