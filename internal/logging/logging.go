// Package logging configures the process-wide structured logger.
// Grounded on cuemby-warren's pkg/log: the teacher repo only narrates
// operational events with fmt.Printf, which this corpus's ambient
// convention (zerolog, as used throughout cuemby-warren) replaces.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the rest of the corpus exposes.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init builds the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-wide logger. It defaults to human-readable
// console output at info level so packages that log before Init runs
// (e.g. in tests) still produce sane output.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Init reconfigures the global logger, typically called once from
// cmd/fhirserver's root command based on flags.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// With returns a child logger tagged with a component name, the
// convention used by every package in this repo that logs at all
// (pkg/storage, internal/batch).
func With(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
