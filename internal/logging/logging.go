// Package logging provides structured logging for syncd using zerolog.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once at startup by Init.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Format is the output format (json, console).
	Format string

	// EnableCaller adds caller file:line information to log entries.
	EnableCaller bool
}

func init() {
	// A usable default before Init is called, e.g. in tests that import
	// this package transitively without configuring logging explicitly.
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// Init configures the global logger. Call once at process startup.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	var out zerolog.ConsoleWriter
	ctx := zerolog.New(os.Stderr).With().Timestamp()
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		ctx = zerolog.New(out).With().Timestamp()
	}

	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}

	Logger = ctx.Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger scoped to a named component, the way every
// store and pipeline stage in this codebase identifies itself in log output.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
