// Package obslog provides structured logging for SOP using zerolog,
// adapted from the engine's component-logger convention: a global logger
// configured once, with typed helpers for the context fields commits and
// storage operations carry (transaction id, store name, logical id).
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a component name
// (e.g. "btree", "txn", "registry").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTxID creates a child logger tagged with a transaction id.
func WithTxID(txID string) zerolog.Logger {
	return Logger.With().Str("tx_id", txID).Logger()
}

// WithStoreName creates a child logger tagged with a store name.
func WithStoreName(storeName string) zerolog.Logger {
	return Logger.With().Str("store_name", storeName).Logger()
}

// WithLogicalID creates a child logger tagged with a logical node id.
func WithLogicalID(logicalID string) zerolog.Logger {
	return Logger.With().Str("logical_id", logicalID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
