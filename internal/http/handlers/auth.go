package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/passkey"
)

// AuthHandler handles the /auth endpoints
type AuthHandler struct {
	gw      *auth.Gateway
	cookies Cookies
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(gw *auth.Gateway, cookies Cookies) *AuthHandler {
	return &AuthHandler{gw: gw, cookies: cookies}
}

// credentialsRequest is the body of POST /auth/login and /auth/register
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// meResponse is the JSON response for GET /auth/me
type meResponse struct {
	ID                 string  `json:"id"`
	TelegramUserID     *int64  `json:"telegram_user_id"`
	Role               string  `json:"role"`
	MustChangePassword bool    `json:"must_change_password"`
	Username           *string `json:"username"`
}

func (h *AuthHandler) startSession(w http.ResponseWriter, issued auth.IssuedSession) {
	if err := h.cookies.SetSession(w, issued.AccessToken, issued.RefreshToken); err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okBody)
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		apierrors.Error(w, apierrors.CodeInvalidCredentials)
		return
	}
	issued, err := h.gw.Login(r.Context(), req.Username, req.Password, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.startSession(w, issued)
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	issued, err := h.gw.Register(r.Context(), req.Username, req.Password, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.startSession(w, issued)
}

// HandleTelegramVerify handles POST /auth/telegram/verify. It answers with a
// pending login that the client completes with a passkey.
func (h *AuthHandler) HandleTelegramVerify(w http.ResponseWriter, r *http.Request) {
	var p auth.TelegramPayload
	if !decodeJSON(w, r, &p, false) {
		return
	}
	pending, err := h.gw.VerifyTelegram(r.Context(), p, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"pending_login_id": pending.ID.String()})
}

// HandleTelegramOAuth handles POST /auth/telegram/oauth
func (h *AuthHandler) HandleTelegramOAuth(w http.ResponseWriter, r *http.Request) {
	var p auth.TelegramPayload
	if !decodeJSON(w, r, &p, false) {
		return
	}
	issued, err := h.gw.TelegramOAuth(r.Context(), p, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.startSession(w, issued)
}

// HandleBotID handles GET /auth/telegram/bot_id
func (h *AuthHandler) HandleBotID(w http.ResponseWriter, r *http.Request) {
	id, err := h.gw.BotID(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"bot_id": id})
}

// HandleRefresh handles POST /auth/refresh. The refresh token comes from its
// cookie; non-browser clients may send {"refresh_token": "..."} instead.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token := h.cookies.Refresh(r)
	if token == "" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if !decodeJSON(w, r, &body, true) {
			return
		}
		token = strings.TrimSpace(body.RefreshToken)
	}
	issued, err := h.gw.Refresh(r.Context(), token, clientMeta(r))
	if err != nil {
		if deadSession(err) {
			h.cookies.Clear(w)
		}
		middleware.WriteError(w, err)
		return
	}
	h.startSession(w, issued)
}

// deadSession reports refresh failures after which the token can never work again.
func deadSession(err error) bool {
	return errors.Is(err, auth.ErrReplayDetected) || errors.Is(err, auth.ErrSessionRevoked) ||
		errors.Is(err, auth.ErrRoleMismatch) || errors.Is(err, auth.ErrUserInactive)
}

// HandleLogout handles POST /auth/logout. It always succeeds and clears cookies.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.gw.Logout(r.Context(), middleware.AccessToken(r, h.cookies.AccessName()), clientMeta(r))
	h.cookies.Clear(w)
	respondJSON(w, http.StatusOK, okBody)
}

// HandleLogoutAll handles POST /auth/logout_all
func (h *AuthHandler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	if err := h.gw.LogoutAll(r.Context(), ac, clientMeta(r)); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.cookies.Clear(w)
	respondJSON(w, http.StatusOK, okBody)
}

// HandleMe handles GET /auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	u := ac.User
	respondJSON(w, http.StatusOK, meResponse{
		ID:                 u.ID.String(),
		TelegramUserID:     u.TelegramUserID,
		Role:               u.Role.String(),
		MustChangePassword: u.MustChangePassword,
		Username:           u.Username,
	})
}

type passkeyOut struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// HandleSecurityStatus handles POST /auth/security/status
func (h *AuthHandler) HandleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	creds, err := h.gw.Passkeys(r.Context(), ac.User.ID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	list := make([]passkeyOut, 0, len(creds))
	for _, c := range creds {
		list = append(list, passkeyOut{
			ID:         passkey.EncodeCredentialID(c.CredentialID),
			CreatedAt:  c.CreatedAt,
			LastUsedAt: c.LastUsedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"passkeys": map[string]any{
			"enabled": len(list) > 0,
			"count":   len(list),
			"list":    list,
		},
	})
}

// HandleTelegramOAuthToggle handles POST /auth/telegram-oauth/toggle
func (h *AuthHandler) HandleTelegramOAuthToggle(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Enabled == nil {
		apierrors.ErrorWithMessage(w, apierrors.CodeInvalidRequest, "enabled is required")
		return
	}
	if err := h.gw.SetTelegramOAuth(r.Context(), ac, *req.Enabled, clientMeta(r)); err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true, "telegram_oauth_enabled": *req.Enabled})
}

// HandleTelegramOAuthStatus handles GET /auth/telegram-oauth/status
func (h *AuthHandler) HandleTelegramOAuthStatus(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"telegram_oauth_enabled": ac.User.TelegramOAuthEnabled})
}

// HandleChangePassword handles POST /auth/change-password
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
		NewUsername string `json:"new_username"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	err := h.gw.ChangeCredentials(r.Context(), ac, auth.ChangeCredentials{
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
		NewUsername: req.NewUsername,
	}, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okBody)
}

// webauthnRequest carries an optional pending login and the browser's
// PublicKeyCredential JSON.
type webauthnRequest struct {
	PendingLoginID string          `json:"pending_login_id"`
	Credential     json.RawMessage `json:"credential"`
}

// HandleWebAuthnAuthOptions handles POST /auth/webauthn/auth/options
func (h *AuthHandler) HandleWebAuthnAuthOptions(w http.ResponseWriter, r *http.Request) {
	var req webauthnRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	options, hasCreds, err := h.gw.BeginPendingAuthentication(r.Context(), req.PendingLoginID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"options": options, "has_credentials": hasCreds})
}

// HandleWebAuthnAuthVerify handles POST /auth/webauthn/auth/verify
func (h *AuthHandler) HandleWebAuthnAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req webauthnRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	issued, err := h.gw.CompletePendingAuthentication(r.Context(), req.PendingLoginID, req.Credential, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.startSession(w, issued)
}

// registrant returns the caller's auth context when the request carried a valid one.
func registrant(r *http.Request) *auth.AuthContext {
	if ac, ok := middleware.GetAuth(r.Context()); ok {
		return &ac
	}
	return nil
}

// HandleWebAuthnRegisterOptions handles POST /auth/webauthn/register/options.
// A pending login may enroll the first passkey; signed-in callers need a fresh step-up.
func (h *AuthHandler) HandleWebAuthnRegisterOptions(w http.ResponseWriter, r *http.Request) {
	var req webauthnRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	options, err := h.gw.BeginRegistration(r.Context(), req.PendingLoginID, registrant(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"options": options})
}

// HandleWebAuthnRegisterVerify handles POST /auth/webauthn/register/verify
func (h *AuthHandler) HandleWebAuthnRegisterVerify(w http.ResponseWriter, r *http.Request) {
	var req webauthnRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	issued, err := h.gw.CompleteRegistration(r.Context(), req.PendingLoginID, registrant(r), req.Credential, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if issued != nil {
		h.startSession(w, *issued)
		return
	}
	respondJSON(w, http.StatusOK, okBody)
}

// HandleDeleteCredential handles DELETE /auth/webauthn/credential/{credential_id}
func (h *AuthHandler) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	raw := strings.TrimRight(chi.URLParam(r, "credential_id"), "=")
	id, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(id) == 0 {
		apierrors.Error(w, apierrors.CodeInvalidID)
		return
	}
	if err := h.gw.DeleteCredential(r.Context(), ac, id, clientMeta(r)); err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okBody)
}

// HandleStepUpOptions handles POST /auth/stepup/webauthn/options
func (h *AuthHandler) HandleStepUpOptions(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	options, hasCreds, err := h.gw.BeginStepUp(r.Context(), ac)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"options": options, "has_credentials": hasCreds})
}

// HandleStepUpVerify handles POST /auth/stepup/webauthn/verify. The session
// keeps its refresh token; only the access token is re-issued.
func (h *AuthHandler) HandleStepUpVerify(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	var req webauthnRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	access, err := h.gw.CompleteStepUp(r.Context(), ac, req.Credential, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if err := h.cookies.SetAccess(w, access); err != nil {
		log.Printf("auth: set step-up cookie: %v", err)
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okBody)
}
