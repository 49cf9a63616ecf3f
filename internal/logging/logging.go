// Package logging builds the process logger and carries request-scoped
// identifiers through context.Context.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	actorIDKey
)

// New returns a JSON logger writing to stderr at the given level.
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if strings.TrimSpace(level) != "" {
		if err := lvl.Set(level); err != nil {
			return nil, fmt.Errorf("invalid level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActorID stores the acting principal in ctx.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey, actorID)
}

// RequestID returns the request id stored by WithRequestID, or "" if none.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// ActorID returns the actor id stored by WithActorID, or "" if none.
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}

// FromContext returns logger annotated with the request and actor ids found in ctx.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	var fields []zap.Field
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := ActorID(ctx); id != "" {
		fields = append(fields, zap.String("actor_id", id))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
