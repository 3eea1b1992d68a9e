// Package log provides xstream's structured logging on top of zerolog:
// a process-wide Logger plus component-scoped child loggers so every
// subsystem tags its lines without repeating field boilerplate.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level mirrors zerolog's severity levels with xstream's own config type.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call more than once; the
// package also self-initializes with sane defaults so tests and early
// startup code can log before main() calls Init explicitly.
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
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

func init() {
	Init(Config{Level: InfoLevel, JSONOutput: false, Output: os.Stderr})
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithStreamID returns a child logger tagged with a stream ID.
func WithStreamID(streamID string) zerolog.Logger {
	return Logger.With().Str("stream_id", streamID).Logger()
}

// WithAgentID returns a child logger tagged with an agent ID.
func WithAgentID(agentID string) zerolog.Logger {
	return Logger.With().Str("agent_id", agentID).Logger()
}

// Info logs at info level on the global logger.
func Info(msg string) { Logger.Info().Msg(msg) }

// Debug logs at debug level on the global logger.
func Debug(msg string) { Logger.Debug().Msg(msg) }

// Warn logs at warn level on the global logger.
func Warn(msg string) { Logger.Warn().Msg(msg) }

// Error logs err at error level on the global logger.
func Error(msg string, err error) { Logger.Error().Err(err).Msg(msg) }

// Fatal logs at fatal level and exits the process.
func Fatal(msg string, err error) { Logger.Fatal().Err(err).Msg(msg) }
