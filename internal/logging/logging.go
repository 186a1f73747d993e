// Package logging builds the zerolog loggers used across tasksync.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// New returns a logger writing to w. Debug switches to a human-readable
// console writer at debug level; otherwise lines are JSON at level, which
// defaults to warn when empty or unknown.
func New(w io.Writer, level string, debug bool) zerolog.Logger {
	if debug {
		cw := zerolog.NewConsoleWriter()
		cw.Out = w
		cw.TimeFormat = time.DateTime
		cw.NoColor = !isTerminal(w)
		return zerolog.New(cw).
			Level(zerolog.DebugLevel).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger()
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ParseLevel parses a level name, falling back to warn.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.WarnLevel
	}
	return l
}
