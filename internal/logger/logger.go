package logger

import (
	"context"

	"go.uber.org/zap"
)

type key string

const (
	keyLogger    key = "logger"
	keyRequestID key = "request_id"
)

// Logger wraps zap.Logger and is carried in a context.Context.
type Logger struct {
	l *zap.Logger
}

func NewLogger() (*Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{l: l}, nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger { return &Logger{l: zap.NewNop()} }

// New puts a fresh production logger into ctx.
func New(ctx context.Context) (context.Context, error) {
	l, err := NewLogger()
	if err != nil {
		return ctx, err
	}
	return WithLogger(ctx, l), nil
}

func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, keyLogger, l)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// FromContext returns the logger stored in ctx, or a no-op logger when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(keyLogger).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}

func (l *Logger) Sync() { _ = l.l.Sync() }

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(keyRequestID).(string)
	return id
}

func withRequestID(ctx context.Context, fields []zap.Field) []zap.Field {
	if id, ok := ctx.Value(keyRequestID).(string); ok && id != "" {
		fields = append(fields, zap.String(string(keyRequestID), id))
	}
	return fields
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.l.Debug(msg, withRequestID(ctx, fields)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.l.Info(msg, withRequestID(ctx, fields)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.l.Warn(msg, withRequestID(ctx, fields)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.l.Error(msg, withRequestID(ctx, fields)...)
}

func (l *Logger) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	l.l.Fatal(msg, withRequestID(ctx, fields)...)
}
