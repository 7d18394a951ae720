// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       false,
		FilePath:   filepath.Join(home, ".config", "portfoliodb", "logs", "portfoliodb.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			})
		}
	}

	// File writer with rotation
	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ContextKey is the type for context keys.
type ContextKey string

const (
	// LoggerKey is the context key for the logger.
	LoggerKey ContextKey = "logger"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithRunID tags the logger with the ID of a resolution run.
func WithRunID(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// WithDescriptor adds a descriptor and its user scope to the logger context.
func WithDescriptor(logger zerolog.Logger, user int64, descriptor string) zerolog.Logger {
	return logger.With().Int64("user", user).Str("descriptor", descriptor).Logger()
}

// WithResolver adds a resolver name to the logger context.
func WithResolver(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("resolver", name).Logger()
}

// WithInstrument adds an instrument key to the logger context.
func WithInstrument(logger zerolog.Logger, id int64) zerolog.Logger {
	return logger.With().Int64("instrument", id).Logger()
}

// LogResolverCall logs a single resolver invocation.
func LogResolverCall(logger zerolog.Logger, resolver, outcome string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "resolver_call").
		Str("resolver", resolver).
		Str("outcome", outcome).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("Resolver call failed")
	} else {
		event.Msg("Resolver call completed")
	}
}

// LogConflict logs resolvers disagreeing about a descriptor.
func LogConflict(logger zerolog.Logger, descriptor, winner string, candidates map[string][]string) {
	dict := zerolog.Dict()
	for name, values := range candidates {
		dict = dict.Strs(name, values)
	}
	logger.Warn().
		Str("event", "conflict").
		Str("descriptor", descriptor).
		Str("winner", winner).
		Dict("candidates", dict).
		Msg("Resolvers disagree")
}

// LogMerge logs an instrument merge.
func LogMerge(logger zerolog.Logger, loser, survivor int64, err error) {
	if err != nil {
		logger.Error().
			Str("event", "merge").
			Int64("loser", loser).
			Int64("survivor", survivor).
			Err(err).
			Msg("Instrument merge failed")
		return
	}
	logger.Info().
		Str("event", "merge").
		Int64("loser", loser).
		Int64("survivor", survivor).
		Msg("Instruments merged")
}

// LogResolution logs the terminal state of a resolution attempt.
func LogResolution(logger zerolog.Logger, state string, instrument int64, pluginCalls int) {
	logger.Info().
		Str("event", "resolution").
		Str("state", state).
		Int64("instrument", instrument).
		Int("plugin_calls", pluginCalls).
		Msg("Descriptor resolution finished")
}
