// Package xlog wires zerolog for xget: a single console writer, with
// component-scoped child loggers via a Str("component", ...) field.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.DateTime,
}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

// SetDebug toggles debug-level logging globally.
func SetDebug(debug bool) {
	if debug {
		base = base.Level(zerolog.DebugLevel)
	} else {
		base = base.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects the base logger's writer, useful for tests that want
// to assert on log content.
func SetOutput(w io.Writer) {
	level := base.GetLevel()
	base = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Nop returns a logger that discards everything, used as the default when
// a caller doesn't supply one.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
