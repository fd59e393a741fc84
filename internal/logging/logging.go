// Package logging provides structured logging with zap.
//
// A single global logger is configured at startup. Filesystem operations
// carry a child logger in their context (see ForOp) so everything logged
// while serving one kernel request shares its fields.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

var (
	globalLogger = zap.NewNop()
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	restoreStd   = func() {}
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	// File, when set, receives the logs instead of stderr. A mount running
	// in the background has no terminal to write to.
	File string
}

// Init builds the global logger and routes the standard library logger,
// which the FUSE libraries write to, through it.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	globalLevel.SetLevel(level)

	sink := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "", "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := zap.New(zapcore.NewCore(encoder, sink, globalLevel),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	restoreStd()
	globalLogger = logger
	restoreStd = zap.RedirectStdLog(logger.WithOptions(zap.AddCallerSkip(-1)))
	return nil
}

// Replace installs logger as the global logger and returns a function that
// restores the previous one. Tests use it with zaptest/observer loggers.
func Replace(logger *zap.Logger) func() {
	prev := globalLogger
	globalLogger = logger
	return func() { globalLogger = prev }
}

// Sync flushes any buffered log entries.
func Sync() error {
	return globalLogger.Sync()
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	globalLevel.SetLevel(l)
	return nil
}

// L returns the global logger.
func L() *zap.Logger {
	return globalLogger
}

// WithContext returns the logger carried by ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		return logger
	}
	return globalLogger
}

// NewContext returns ctx carrying logger.
func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// ForOp returns ctx carrying a logger annotated with a filesystem
// operation name.
func ForOp(ctx context.Context, op string) context.Context {
	logger, ok := ctx.Value(contextKey{}).(*zap.Logger)
	if !ok {
		// Context loggers are called directly, not through the wrappers.
		logger = globalLogger.WithOptions(zap.AddCallerSkip(-1))
	}
	return NewContext(ctx, logger.With(zap.String("op", op)))
}

func Debug(msg string, fields ...zap.Field) { globalLogger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { globalLogger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { globalLogger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { globalLogger.Error(msg, fields...) }

// Field helpers, so callers need not import zap.
func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Uint64(key string, val uint64) zap.Field { return zap.Uint64(key, val) }
func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }
func Err(err error) zap.Field { return zap.Error(err) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
