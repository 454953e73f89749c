package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger for structured logging
type Logger struct {
	*zap.Logger
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// New creates a new logger based on configuration
func New(cfg LogConfig) (*Logger, error) {
	var zcfg zap.Config
	var encoderConfig zapcore.EncoderConfig

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
		encoderConfig = zap.NewProductionEncoderConfig()
		zcfg.Encoding = "json"
	} else {
		zcfg = zap.NewDevelopmentConfig()
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		zcfg.Encoding = "console"
	}

	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	zcfg.EncoderConfig = encoderConfig
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Development = false

	if cfg.Output != "" && cfg.Output != "stdout" {
		zcfg.OutputPaths = []string{cfg.Output}
		zcfg.ErrorOutputPaths = []string{cfg.Output}
	}

	zapLogger, err := zcfg.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	return &Logger{zapLogger}, nil
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

// With creates a child logger carrying the given key/value pairs
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{l.Logger.With(convertFields(fields...)...)}
}

// Named creates a child logger scoped to a component
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.Logger.Info(msg, convertFields(fields...)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.Logger.Error(msg, convertFields(fields...)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.Logger.Warn(msg, convertFields(fields...)...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.Logger.Debug(msg, convertFields(fields...)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...interface{}) {
	l.Logger.Fatal(msg, convertFields(fields...)...)
}

// convertFields turns alternating key/value pairs into zap fields.
// Errors are logged with zap.Error semantics; a dangling key is dropped.
func convertFields(fields ...interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok {
			zapFields = append(zapFields, zap.NamedError(key, err))
			continue
		}
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	return zapFields
}

// NewNopLogger creates a no-op logger for testing
func NewNopLogger() *Logger {
	return &Logger{zap.NewNop()}
}
