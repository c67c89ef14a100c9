// Package logging configures the process-wide zerolog logger used by every
// component of the orchestrator.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init configures the global zerolog logger. When json is true, logs are
// emitted as newline-delimited JSON (suitable for log aggregation); otherwise
// a human-readable console writer is used.
func Init(json bool, debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var out io.Writer = os.Stderr
	if !json {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	zerolog.SetGlobalLevel(level)
	log := zerolog.New(out).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	globalLogger = log
}

var globalLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

// For returns a logger scoped to a named component, e.g. logging.For("mergecoord").
func For(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}
