package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess          AuditEvent = "login_success"
	AuditLoginFailure          AuditEvent = "login_failure"
	AuditRateLimited           AuditEvent = "rate_limited"
	AuditLogout                AuditEvent = "logout"
	AuditLogoutAll             AuditEvent = "logout_all"
	AuditTokenRefreshed        AuditEvent = "token_refreshed"
	AuditRefreshRotated        AuditEvent = "refresh_rotated"
	AuditRefreshRejected       AuditEvent = "refresh_rejected"
	AuditSessionRevoked        AuditEvent = "session_revoked"
	AuditAccessDenied          AuditEvent = "access_denied"
	AuditRevokedTokenUsed      AuditEvent = "revoked_token_used"
	AuditPasswordResetRequest  AuditEvent = "password_reset_requested"
	AuditPasswordResetComplete AuditEvent = "password_reset_completed"
	AuditPasswordResetRejected AuditEvent = "password_reset_rejected"
	AuditUserRegistered        AuditEvent = "user_registered"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// forwards every entry to the metrics collector and, when configured, the
// webhook.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Request identity comes from
// ClientIP so the entry matches the key the rate limiter used.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", ClientIP(r)),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	al.metrics.recordEvent(r.Context(), event)
	if al.webhook != nil {
		evt := webhookEvent{
			Event:     string(event),
			ClientIP:  ClientIP(r),
			Timestamp: now.Format(time.RFC3339),
			Attrs:     make(map[string]string, len(attrs)),
		}
		for _, a := range attrs {
			if a.Key == "user_id" {
				evt.UserID = a.Value.String()
				continue
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent is a convenience for events with a known user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("user_id", userID)}
	al.log(event, r, append(attrs, extra...)...)
}

// logFailure logs a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("reason", reason)}
	al.log(event, r, append(attrs, extra...)...)
}

func (al *auditLogger) close() {
	if al.webhook != nil {
		al.webhook.close()
	}
}
