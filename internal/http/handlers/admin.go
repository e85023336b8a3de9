package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/repo"
	"github.com/supportpanel/server/internal/settings"
)

// AdminHandler serves administrator-only settings and the audit trail.
type AdminHandler struct {
	settings *settings.Service
	audit    repo.AuditRepo
	rec      audit.Recorder
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(s *settings.Service, auditRepo repo.AuditRepo, rec audit.Recorder) *AdminHandler {
	return &AdminHandler{settings: s, audit: auditRepo, rec: rec}
}

// HandleGetSetting handles GET /settings/{key}
func (h *AdminHandler) HandleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	raw, err := h.settings.Raw(r.Context(), key)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"key": key, "value_json": raw})
}

// HandlePutSetting handles PUT /settings/{key} {value_json}. Known keys are
// validated against their typed shape before they are stored.
func (h *AdminHandler) HandlePutSetting(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	var req struct {
		ValueJSON json.RawMessage `json:"value_json"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if len(req.ValueJSON) == 0 {
		apierrors.ErrorWithMessage(w, apierrors.CodeInvalidRequest, "value_json is required")
		return
	}
	if err := h.settings.Put(r.Context(), key, req.ValueJSON); err != nil {
		middleware.WriteError(w, err)
		return
	}
	meta := clientMeta(r)
	h.rec.Record(r.Context(), audit.ForUser(audit.SettingChanged, ac.User, meta.IP, meta.UserAgent,
		map[string]any{"key": key}))
	respondJSON(w, http.StatusOK, map[string]any{"key": key, "value_json": req.ValueJSON})
}

type auditOut struct {
	ID          uuid.UUID      `json:"id"`
	ActorUserID *uuid.UUID     `json:"actor_user_id"`
	ActorRole   string         `json:"actor_role"`
	EventType   string         `json:"event_type"`
	IP          string         `json:"ip"`
	UserAgent   string         `json:"user_agent"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// HandleAudit handles GET /audit?limit=
func (h *AdminHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100, 1, 500)
	if !ok {
		apierrors.ErrorWithMessage(w, apierrors.CodeInvalidRequest, "limit must be between 1 and 500")
		return
	}
	entries, err := h.audit.ListRecent(r.Context(), limit)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := make([]auditOut, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditOut(e))
	}
	respondJSON(w, http.StatusOK, out)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler answers liveness probes and checks the database.
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a health handler. db may be nil.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			apierrors.ErrorWithMessage(w, apierrors.CodeServiceUnavailable, "database unreachable")
			return
		}
	}
	respondJSON(w, http.StatusOK, okBody)
}
