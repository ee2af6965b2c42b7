package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  log.Level
	}{
		{value: "", want: log.InfoLevel},
		{value: "debug", want: log.DebugLevel},
		{value: "WARN", want: log.WarnLevel},
		{value: "error", want: log.ErrorLevel},
		{value: "verbose", want: log.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(LevelEnv, tt.value)
			if got := LevelFromEnv(); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNewRespectsLevel(t *testing.T) {
	t.Setenv(LevelEnv, "warn")
	var buf bytes.Buffer
	logger := New(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn line missing: %q", out)
	}
}
