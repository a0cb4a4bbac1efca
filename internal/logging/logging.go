// Package logging builds the broker's structured logger, grounded on the
// teacher's internal/single/monitoring/logger.go: zerolog with a JSON
// sink by default and a pretty console sink for local development.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Level mirrors zerolog's level names for configuration purposes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config configures New.
type Config struct {
	Level  Level
	Format Format
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a zerolog.Logger configured per cfg.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
