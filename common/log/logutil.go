package logutil

import (
	"context"

	"go.uber.org/zap"
)

type ctxKeyType int

const ctxLogKey ctxKeyType = iota

var (
	_defaultLogger = newDefaultStdLogger()
	_globalLogger  = _defaultLogger
)

func SetLogger(l *zap.Logger) {
	_globalLogger = l
}

// Logger returns the logger bound to ctx by WithLogger, or the global one.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if ctxlogger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
			return ctxlogger
		}
	}
	return _globalLogger
}

// WithLogger binds l to the returned context.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogKey, l)
}

// WithFields derives a child of the context logger carrying fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, Logger(ctx).With(fields...))
}

func Sync() error {
	return _globalLogger.Sync()
}

func newDefaultStdLogger() *zap.Logger {
	lg, _ := zap.NewProduction()
	return lg
}
