// Package logger holds the process-wide zap logger used by the server,
// the client lifecycle manager and the storage adapters.
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

func init() {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)

	Set(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
}

// Set replaces the global logger. Passing nil installs a no-op logger.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// L returns the global logger.
func L() *zap.Logger { return current.Load() }

// Named returns a child of the global logger for direct use by a component.
func Named(name string) *zap.Logger {
	return current.Load().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// Info logs msg at info level on the global logger.
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

// Warn logs msg at warn level on the global logger.
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

// Error logs msg at error level on the global logger.
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Debug logs msg at debug level on the global logger.
func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

// Sync flushes buffered entries; errors from syncing stdout are ignored.
func Sync() {
	_ = L().Sync()
}
