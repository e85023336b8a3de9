package handlers

import (
	"net/http"
	"time"

	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/model"
)

// AccountHandler serves the administrator-only /admins endpoints.
type AccountHandler struct {
	gw *auth.Gateway
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(gw *auth.Gateway) *AccountHandler {
	return &AccountHandler{gw: gw}
}

type accountOut struct {
	ID                   string    `json:"id"`
	TelegramUserID       *int64    `json:"telegram_user_id"`
	Username             *string   `json:"username"`
	Role                 string    `json:"role"`
	IsActive             bool      `json:"is_active"`
	TelegramOAuthEnabled bool      `json:"telegram_oauth_enabled"`
	MustChangePassword   bool      `json:"must_change_password"`
	CreatedAt            time.Time `json:"created_at"`
}

func toAccountOut(u model.User) accountOut {
	return accountOut{
		ID:                   u.ID.String(),
		TelegramUserID:       u.TelegramUserID,
		Username:             u.Username,
		Role:                 u.Role.String(),
		IsActive:             u.IsActive,
		TelegramOAuthEnabled: u.TelegramOAuthEnabled,
		MustChangePassword:   u.MustChangePassword,
		CreatedAt:            u.CreatedAt,
	}
}

// HandleList handles GET /admins
func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	users, err := h.gw.Accounts(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := make([]accountOut, 0, len(users))
	for _, u := range users {
		out = append(out, toAccountOut(u))
	}
	respondJSON(w, http.StatusOK, out)
}

type accountCreateRequest struct {
	TelegramUserID *int64 `json:"telegram_user_id"`
	Username       string `json:"username"`
	Role           string `json:"role"`
	IsActive       *bool  `json:"is_active"`
	TempPassword   string `json:"temp_password"`
}

// HandleCreate handles POST /admins
func (h *AccountHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	var req accountCreateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	u, err := h.gw.CreateAccount(r.Context(), ac, auth.NewAccount{
		TelegramUserID: req.TelegramUserID,
		Username:       req.Username,
		Role:           model.Role(req.Role),
		IsActive:       active,
		TempPassword:   req.TempPassword,
	}, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAccountOut(u))
}

type accountUpdateRequest struct {
	Role                 *string `json:"role"`
	IsActive             *bool   `json:"is_active"`
	TempPassword         *string `json:"temp_password"`
	Username             *string `json:"username"`
	TelegramUserID       *int64  `json:"telegram_user_id"`
	TelegramOAuthEnabled *bool   `json:"telegram_oauth_enabled"`
}

// HandleUpdate handles PATCH /admins/{id}
func (h *AccountHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req accountUpdateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	patch := auth.AccountPatch{
		IsActive:             req.IsActive,
		TempPassword:         req.TempPassword,
		Username:             req.Username,
		TelegramUserID:       req.TelegramUserID,
		TelegramOAuthEnabled: req.TelegramOAuthEnabled,
	}
	if req.Role != nil {
		role := model.Role(*req.Role)
		patch.Role = &role
	}
	u, err := h.gw.UpdateAccount(r.Context(), ac, id, patch, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAccountOut(u))
}

// HandleDelete handles DELETE /admins/{id}
func (h *AccountHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.gw.DeleteAccount(r.Context(), ac, id, clientMeta(r)); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
