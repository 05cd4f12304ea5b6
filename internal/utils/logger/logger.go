package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop()
var sugar = log.Sugar()

// Options tunes Init beyond the level.
type Options struct {
	// Encoding is "console" (default) or "json".
	Encoding string
	// OutputPaths defaults to stderr. The play command keeps stdout for messages.
	OutputPaths []string
}

// Init initializes the logger with the specified level
func Init(level string) error {
	return InitWithOptions(level, Options{})
}

// InitWithOptions initializes the logger with the specified level and encoder settings
func InitWithOptions(level string, opts Options) error {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return err
	}

	encoding := opts.Encoding
	if encoding == "" {
		encoding = "console"
	}
	levelEncoder := zapcore.CapitalColorLevelEncoder
	if encoding == "json" {
		levelEncoder = zapcore.LowercaseLevelEncoder
	}
	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    levelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log = logger
	sugar = logger.Sugar()
	return nil
}

// parseLevel converts a string log level to a zapcore.Level
func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// Debug logs a message at debug level
func Debug(msg string, fields ...zap.Field) {
	log.Debug(msg, fields...)
}

// Info logs a message at info level
func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

// Warn logs a message at warn level
func Warn(msg string, fields ...zap.Field) {
	log.Warn(msg, fields...)
}

// Error logs a message at error level
func Error(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
}

// Fatal logs a message at fatal level and then calls os.Exit(1)
func Fatal(msg string, fields ...zap.Field) {
	log.Fatal(msg, fields...)
}

// Debugf logs a formatted message at debug level
func Debugf(template string, args ...interface{}) {
	sugar.Debugf(template, args...)
}

// Infof logs a formatted message at info level
func Infof(template string, args ...interface{}) {
	sugar.Infof(template, args...)
}

// Warnf logs a formatted message at warn level
func Warnf(template string, args ...interface{}) {
	sugar.Warnf(template, args...)
}

// Errorf logs a formatted message at error level
func Errorf(template string, args ...interface{}) {
	sugar.Errorf(template, args...)
}

// With creates a child logger and adds structured context to it
func With(fields ...zap.Field) *zap.Logger {
	return log.With(fields...)
}

// Named returns a child logger scoped to a component, e.g. "player" or "worker".
// The child keeps the level and sinks configured by Init.
func Named(name string) *zap.Logger {
	return log.Named(name)
}

// L returns the current base logger. Before Init it is a no-op logger.
func L() *zap.Logger {
	return log
}

// Enabled reports whether lvl would be written; used to skip building costly fields.
func Enabled(lvl zapcore.Level) bool {
	return log.Core().Enabled(lvl)
}

// Sync flushes any buffered log entries
func Sync() error {
	return log.Sync()
}
