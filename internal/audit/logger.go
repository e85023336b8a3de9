// Package audit writes the append-only security event trail.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

// Event types recorded by the auth flows and administrator actions.
const (
	LoginSuccess          = "login_success"
	LoginFailure          = "login_failure"
	RegisterSuccess       = "register_success"
	TelegramLoginSuccess  = "telegram_login_success"
	TelegramLoginFailure  = "telegram_login_failure"
	TelegramOAuthSuccess  = "telegram_oauth_success"
	TelegramOAuthFailure  = "telegram_oauth_failure"
	SessionCreated        = "session_created"
	SessionRefreshed      = "session_refreshed"
	SessionRefreshFailure = "session_refresh_failure"
	SessionRevoked        = "session_revoked"
	LogoutAll             = "logout_all"
	RefreshReplayDetected = "refresh_replay_detected"
	MFAWebAuthnSuccess    = "mfa_webauthn_success"
	MFAWebAuthnFailure    = "mfa_webauthn_failure"
	WebAuthnRegistered    = "webauthn_credential_added"
	WebAuthnDeleted       = "webauthn_credential_deleted"
	PasswordChanged       = "password_changed"
	UsernameChanged       = "username_changed"
	TelegramOAuthToggled  = "telegram_oauth_toggled"
	BootstrapAdminCreated = "bootstrap_admin_created"
	SettingChanged        = "setting_changed"
	AccountCreated        = "account_created"
	AccountUpdated        = "account_updated"
	AccountDeleted        = "account_deleted"
)

// Event is one audit record before persistence.
type Event struct {
	Type      string
	UserID    *uuid.UUID
	Role      model.Role
	IP        string
	UserAgent string
	Metadata  map[string]any
}

// ForUser fills actor fields from u.
func ForUser(eventType string, u model.User, ip, userAgent string, meta map[string]any) Event {
	id := u.ID
	return Event{Type: eventType, UserID: &id, Role: u.Role, IP: ip, UserAgent: userAgent, Metadata: meta}
}

// Recorder is what the auth flows depend on.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Logger persists events through the audit repository. Record is best-effort:
// failures are logged and counted, never returned to the caller.
type Logger struct {
	repo repo.AuditRepo
	now  func() time.Time
}

// NewLogger returns a Logger writing to r.
func NewLogger(r repo.AuditRepo) *Logger {
	return &Logger{repo: r, now: time.Now}
}

// Record writes e. The write is detached from ctx cancellation so an aborted
// request still leaves its trail.
func (l *Logger) Record(ctx context.Context, e Event) {
	if l == nil || l.repo == nil {
		return
	}
	entry := &model.AuditEntry{
		ID:          uuid.New(),
		ActorUserID: e.UserID,
		ActorRole:   e.Role.String(),
		EventType:   e.Type,
		IP:          e.IP,
		UserAgent:   e.UserAgent,
		Metadata:    e.Metadata,
		CreatedAt:   l.now().UTC(),
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	m := globalMetrics()
	if err := l.repo.Create(writeCtx, entry); err != nil {
		m.failures.Inc()
		log.Printf("audit: failed to record %s: %v", e.Type, err)
		return
	}
	m.events.WithLabelValues(e.Type).Inc()
}

type metrics struct {
	events   *prometheus.CounterVec
	failures prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func globalMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInst = &metrics{
			events: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Audit events recorded, labeled by event type",
			}, []string{"event"}),
			failures: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "supportpanel",
				Subsystem: "audit",
				Name:      "write_failures_total",
				Help:      "Audit events that could not be persisted",
			}),
		}
	})
	return metricsInst
}
