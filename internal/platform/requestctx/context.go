package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/hanko-field/fulfillment/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/hanko-field/fulfillment/internal/platform/requestctx/trace"
	notesContextKey  contextKey = "github.com/hanko-field/fulfillment/internal/platform/requestctx/annotations"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	if !ok {
		return TraceInfo{}, false
	}
	return info, true
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, ok := Trace(ctx)
	if !ok {
		return ""
	}
	return info.TraceID
}

// Annotations records facts that inner middleware learns about a request after the access
// logger has already started: the authenticated actor and whether an idempotent response
// was replayed. A nil *Annotations ignores writes.
type Annotations struct {
	mu        sync.Mutex
	actorID   string
	actorRole string
	replayed  bool
}

// AnnotationSnapshot is a point-in-time copy of Annotations.
type AnnotationSnapshot struct {
	ActorID   string
	ActorRole string
	Replayed  bool
}

// WithAnnotations attaches a fresh Annotations holder to the context.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	if ctx == nil {
		ctx = context.Background()
	}
	notes := &Annotations{}
	return context.WithValue(ctx, notesContextKey, notes), notes
}

// AnnotationsFrom returns the holder attached to ctx, or nil.
func AnnotationsFrom(ctx context.Context) *Annotations {
	if ctx == nil {
		return nil
	}
	notes, _ := ctx.Value(notesContextKey).(*Annotations)
	return notes
}

// SetActor records the authenticated caller.
func (a *Annotations) SetActor(id, role string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.actorID = id
	a.actorRole = role
	a.mu.Unlock()
}

// MarkReplayed flags the response as served from the idempotency store.
func (a *Annotations) MarkReplayed() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.replayed = true
	a.mu.Unlock()
}

// Snapshot copies the recorded values.
func (a *Annotations) Snapshot() AnnotationSnapshot {
	if a == nil {
		return AnnotationSnapshot{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return AnnotationSnapshot{ActorID: a.actorID, ActorRole: a.actorRole, Replayed: a.replayed}
}
