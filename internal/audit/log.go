// Package audit emits security-relevant events as structured log entries.
// Events record who did what and when; presented secrets and token material
// never appear in an entry.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/obs"
)

// Event names follow "auth.<operation>.<outcome>".
const (
	EventLoginSuccess    = "auth.login.success"
	EventLoginFailure    = "auth.login.failure"
	EventLoginLocked     = "auth.login.locked"
	EventMFARequired     = "auth.mfa.required"
	EventMFASuccess      = "auth.mfa.success"
	EventMFAFailure      = "auth.mfa.failure"
	EventMFAEnrolled     = "auth.mfa.enrolled"
	EventRefreshSuccess  = "auth.refresh.success"
	EventRefreshFailure  = "auth.refresh.failure"
	EventRefreshReuse    = "auth.refresh.reuse"
	EventLogout          = "auth.logout"
	EventRegistered      = "auth.identity.registered"
	EventDeactivated     = "auth.identity.deactivated"
	EventPasswordChanged = "auth.password.changed"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context so audit
// entries can be correlated with access logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and principal context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
		zap.Time("at", time.Now().UTC()),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		entry = append(entry, zap.String("identity_id", principal.IdentityID))
	}
	entry = append(entry, fields...)
	obs.Logger().Info(event, entry...)
	return nil
}
