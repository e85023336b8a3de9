package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/repo"
	"github.com/supportpanel/server/internal/settings"
)

// BotHandler serves the bot transport's internal API under /bot. Every route
// sits behind middleware.RequireInternalToken.
type BotHandler struct {
	chats    *chat.Service
	settings *settings.Service
}

// NewBotHandler creates a new bot handler
func NewBotHandler(chats *chat.Service, s *settings.Service) *BotHandler {
	return &BotHandler{chats: chats, settings: s}
}

// HandleChat handles POST /bot/chat
func (h *BotHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var p chat.Profile
	if !decodeJSON(w, r, &p, false) {
		return
	}
	c, err := h.chats.UpsertProfile(r.Context(), p)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat.ChatView(c))
}

// HandleIncoming handles POST /bot/incoming
func (h *BotHandler) HandleIncoming(w http.ResponseWriter, r *http.Request) {
	var in chat.Inbound
	if !decodeJSON(w, r, &in, false) {
		return
	}
	res, err := h.chats.RecordInbound(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true, "send_autoreply": res.SendAutoreply})
}

// HandleOutgoing handles POST /bot/outgoing
func (h *BotHandler) HandleOutgoing(w http.ResponseWriter, r *http.Request) {
	var out chat.Outgoing
	if !decodeJSON(w, r, &out, false) {
		return
	}
	if _, err := h.chats.RecordOutgoing(r.Context(), out); err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okBody)
}

// HandleEdited handles POST /bot/edited. ok is false when no stored message matched.
func (h *BotHandler) HandleEdited(w http.ResponseWriter, r *http.Request) {
	var e chat.Edit
	if !decodeJSON(w, r, &e, false) {
		return
	}
	found, err := h.chats.RecordEdit(r.Context(), e)
	if errors.Is(err, repo.ErrNotFound) {
		respondJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": found})
}

// HandleSetting handles GET /bot/settings/{key}. Unset keys return a null value.
func (h *BotHandler) HandleSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		apierrors.Error(w, apierrors.CodeInvalidRequest)
		return
	}
	raw, err := h.settings.Raw(r.Context(), key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		middleware.WriteError(w, err)
		return
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	respondJSON(w, http.StatusOK, map[string]any{"key": key, "value_json": raw})
}
