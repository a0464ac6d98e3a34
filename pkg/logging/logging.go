// Package logging wraps zerolog with the component-scoped conventions
// used across the sync core, adapted from the level/config split in
// ollama-distributed/pkg/logging/structured_logger.go but backed by
// zerolog rather than slog, matching what the rest of the teacher's
// runtime code (pkg/database, internal/metrics) actually imports.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels under names that read naturally in
// configuration files.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch strings.ToLower(string(l)) {
	case string(LevelDebug):
		return zerolog.DebugLevel
	case string(LevelWarn):
		return zerolog.WarnLevel
	case string(LevelError):
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config configures a component logger.
type Config struct {
	Level    Level
	Pretty   bool
	Output   io.Writer
	Service  string
	ClientID string
}

// New builds a zerolog.Logger scoped to a component name, with the
// standard "service" and "client_id" fields pre-bound the way the
// teacher pre-binds node/service identity on every log line.
func New(component string, cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).
		Level(cfg.Level.zerolog()).
		With().
		Timestamp().
		Str("component", component)

	if cfg.Service != "" {
		logger = logger.Str("service", cfg.Service)
	}
	if cfg.ClientID != "" {
		logger = logger.Str("client_id", cfg.ClientID)
	}

	return logger.Logger()
}

// Noop returns a logger that discards all output, for tests that don't
// care about log content.
func Noop() zerolog.Logger {
	return zerolog.New(io.Discard)
}
