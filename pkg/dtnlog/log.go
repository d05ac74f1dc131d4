// Package dtnlog provides structured logging for the relay core, wrapping
// go.uber.org/zap the way scion's pkg/log wraps it: a package-level root
// logger, Debug/Info/Error free functions taking alternating key/value
// context, and a Logger interface so subsystems can carry a contextual
// sub-logger (With) instead of threading loose strings.
package dtnlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface every subsystem in the relay core logs through.
type Logger interface {
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	With(ctx ...interface{}) Logger
}

type logger struct {
	z *zap.Logger
}

func (l *logger) Debug(msg string, ctx ...interface{}) { l.z.Sugar().Debugw(msg, ctx...) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.z.Sugar().Infow(msg, ctx...) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.z.Sugar().Errorw(msg, ctx...) }

func (l *logger) With(ctx ...interface{}) Logger {
	return &logger{z: l.z.Sugar().With(ctx...).Desugar()}
}

var (
	mu   sync.Mutex
	root Logger = newDefault()
)

func newDefault() Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), zap.DebugLevel)
	return &logger{z: zap.New(core)}
}

// Root returns the current root logger. Root is guaranteed to never return
// nil.
func Root() Logger {
	mu.Lock()
	defer mu.Unlock()
	return root
}

// SetRoot replaces the root logger, e.g. with one configured from the
// operator's config file at process start. Out of scope for the core
// itself beyond accepting an already-built *zap.Logger.
func SetRoot(z *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = &logger{z: z}
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...interface{}) { Root().Debug(msg, ctx...) }

// Info logs at info level on the root logger.
func Info(msg string, ctx ...interface{}) { Root().Info(msg, ctx...) }

// Error logs at error level on the root logger.
func Error(msg string, ctx ...interface{}) { Root().Error(msg, ctx...) }

// With returns a sub-logger of the root logger carrying the given context.
func With(ctx ...interface{}) Logger { return Root().With(ctx...) }
