// Package logging builds the process logger. Verbosity comes from the LOG
// environment variable.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// LevelEnv names the variable that overrides the log level.
const LevelEnv = "LOG"

// New returns a leveled logger writing to w, or stderr when w is nil.
func New(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		Level:           LevelFromEnv(),
		ReportTimestamp: true,
	})
}

// LevelFromEnv parses LOG, falling back to info for empty or unknown values.
func LevelFromEnv() log.Level {
	raw := strings.TrimSpace(os.Getenv(LevelEnv))
	if raw == "" {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
