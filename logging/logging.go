// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	// Level is a zerolog level name. Empty or unknown names mean info.
	Level string
	// Pretty selects human-readable console output instead of JSON lines.
	Pretty bool
	// Writer defaults to stderr.
	Writer io.Writer
}

// New returns a logger with timestamps at the requested level.
func New(options Options) zerolog.Logger {
	out := options.Writer
	if out == nil {
		out = os.Stderr
	}
	if options.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(out).Level(ParseLevel(options.Level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name onto a zerolog level, falling back to info.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
