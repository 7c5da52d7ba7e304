// Package log configures the process-wide zerolog logger. Output is a
// console writer when stderr is a terminal and JSON otherwise, so the same
// binary reads well both interactively and under a collector.
package log

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Setup initialises the global logger at the given level. Unknown levels
// fall back to info.
func Setup(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// Component returns a logger tagged with the component name. Every
// long-lived component takes one of these at construction.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// WithRequestID attaches a request-scoped logger to the context. Handlers
// retrieve it with zerolog.Ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	l := log.With().Str("request_id", id).Logger()
	return l.WithContext(ctx)
}
