// Package logging wraps zerolog with a global console-writer logger
// initialized once, and per-component child loggers handed out to
// callers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger to write to stderr through a console
// writer. debug raises the level from info to debug.
func Init(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// SetOutput redirects the global logger at an arbitrary writer, used by
// tests that want to assert on gate log lines.
func SetOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Get returns a child logger tagged with the given component name.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Gate logs a structured, ASCII-safe gate line at info level, for the
// decision points callers want to assert on in tests. fields is a flat
// key/value list (k1, v1, k2, v2, ...).
func Gate(component, gate string, fields ...any) {
	logger := Get(component)
	evt := logger.Info()
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := fields[i].(string)
		evt = evt.Interface(key, fields[i+1])
	}
	evt.Msg(gate)
}
