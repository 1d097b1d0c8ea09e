// Package logging wires the orchestrator's structured logger. The shape
// (global Logger, level parsing, JSON vs console output, WithComponent
// helper) follows the pattern used elsewhere in the training platform's
// sibling services.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init must run before it is used.
var Logger zerolog.Logger

// Options configures Init.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Init configures the global Logger from Options.
func Init(opts Options) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if opts.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
