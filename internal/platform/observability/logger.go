package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

// NewLogger builds the process logger. Output is JSON with Cloud Logging's severity and
// message keys, except in the local environment where it is coloured console output.
// LOG_LEVEL selects the level and defaults to info.
func NewLogger(environment string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

// WithLogger injects the logger into ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// ServiceLogger adapts zap to the event logger the services accept. Events go to the named
// logger at debug level; events whose name ends in "failed" are raised to warn.
func ServiceLogger(logger *zap.Logger, name string) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	named := logger.Named(name)
	return func(ctx context.Context, event string, fields map[string]any) {
		level := zapcore.DebugLevel
		if strings.HasSuffix(event, "failed") {
			level = zapcore.WarnLevel
		}
		ce := named.Check(level, event)
		if ce == nil {
			return
		}

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zapFields := make([]zap.Field, 0, len(keys)+1)
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			zapFields = append(zapFields, zap.String("trace_id", traceID))
		}
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		ce.Write(zapFields...)
	}
}
