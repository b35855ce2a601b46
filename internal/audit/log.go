// Package audit records session lifecycle events as structured log entries.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"firefighter.org/internal/obs"
)

// Session lifecycle events.
const (
	EventSignedIn        = "session.signed_in"
	EventSignedOut       = "session.signed_out"
	EventForcedSignOut   = "session.forced_sign_out"
	EventVerified        = "session.verified"
	EventVerifyFailed    = "session.verify_failed"
	EventDegradedEntered = "connectivity.degraded"
	EventDegradedLeft    = "connectivity.recovered"
	EventTicketFiled     = "ticket.filed"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	userIDKey    ctxKey = "audit_user_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUser attaches the acting identity's uid to the context.
func WithUser(ctx context.Context, uid string) context.Context {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, uid)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
		zap.String("ts", time.Now().UTC().Format(time.RFC3339Nano)),
	}
	if rid := stringFromContext(ctx, requestIDKey); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if uid := stringFromContext(ctx, userIDKey); uid != "" {
		entry = append(entry, zap.String("user_id", uid))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry = append(entry, zap.Any("fields", copyFields))

	obs.Logger().Named("audit").Info(event, entry...)
	return nil
}
