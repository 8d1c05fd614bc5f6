// Package logging builds the zerolog logger shared by every binary and
// provides panic recovery for worker goroutines.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger for the given service name.
//
// format "pretty" renders a human console writer; anything else emits JSON.
// Unknown levels fall back to info.
func New(service, level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace. Deferred at the
// top of every worker goroutine so one bad message cannot take down the
// process.
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "consumer-worker")
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, component string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("component", component).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic")
	}
}
