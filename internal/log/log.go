// Package log holds the process-wide zerolog logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. It discards output until Init is called.
var Logger = zerolog.Nop()

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || cfg.Level == "" {
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
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func WithUserID(userID string) zerolog.Logger {
	return Logger.With().Str("user_id", userID).Logger()
}
