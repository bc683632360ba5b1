package audit

import (
	"context"
	"errors"
	"strings"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and subject context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		e = e.Str("subject", id.Subject)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e.Fields(map[string]any{"fields": fields}).Msg("audit")
	return nil
}
