// Package logger configures the process-wide zerolog setup. Debug-level
// output is gated by the HARMONY_DEBUG environment variable.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger writing to stderr. Components derive their
// own tagged logger via For.
func New() zerolog.Logger {
	level := zerolog.InfoLevel
	if os.Getenv("HARMONY_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// For tags a logger with the component it belongs to.
func For(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
