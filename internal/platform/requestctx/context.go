package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey   contextKey = "payments/requestctx/logger"
	traceContextKey    contextKey = "payments/requestctx/trace"
	clientIPContextKey contextKey = "payments/requestctx/client_ip"
	payerContextKey    contextKey = "payments/requestctx/payer"
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
	if logger, ok := loggerFrom(ctx); ok {
		return logger
	}
	return noopLogger
}

// LoggerOr returns the request logger when one was stored, otherwise fallback.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := loggerFrom(ctx); ok {
		return logger
	}
	if fallback == nil {
		return noopLogger
	}
	return fallback
}

func loggerFrom(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(loggerContextKey).(*zap.Logger)
	return logger, ok && logger != nil
}

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
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithClientIP records the payer's address as seen at the edge.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, clientIPContextKey, ip)
}

// ClientIP returns the address stored by WithClientIP.
func ClientIP(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

type payerSlot struct {
	mu sync.Mutex
	id string
}

// WithPayerSlot reserves a slot that inner middleware fill with SetPayerID so outer
// middleware can read the authenticated payer after the handler returns.
func WithPayerSlot(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, payerContextKey, &payerSlot{})
}

// SetPayerID records the authenticated payer in the slot, if one was reserved.
func SetPayerID(ctx context.Context, payerID string) {
	if ctx == nil {
		return
	}
	if slot, ok := ctx.Value(payerContextKey).(*payerSlot); ok {
		slot.mu.Lock()
		slot.id = payerID
		slot.mu.Unlock()
	}
}

// PayerID returns the payer recorded by SetPayerID.
func PayerID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	slot, ok := ctx.Value(payerContextKey).(*payerSlot)
	if !ok {
		return ""
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.id
}
