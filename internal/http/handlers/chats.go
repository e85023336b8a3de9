package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

// NextCursorHeader carries the cursor of the following page on list responses.
const NextCursorHeader = "X-Next-Cursor"

// ChatHandler serves the operator chat and message endpoints
type ChatHandler struct {
	chats *chat.Service
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chats *chat.Service) *ChatHandler {
	return &ChatHandler{chats: chats}
}

// HandleList handles GET /chats?tab=&search=&search_scope=&limit=&cursor=
func (h *ChatHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(r, "limit", 30, 1, 100)
	if !ok {
		apierrors.ErrorWithMessage(w, apierrors.CodeInvalidRequest, "limit must be between 1 and 100")
		return
	}
	cursor, err := chat.ParseChatCursor(q.Get("cursor"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	chats, err := h.chats.List(r.Context(), repo.ChatFilter{
		Tab:          strings.ToLower(q.Get("tab")),
		Search:       strings.TrimSpace(q.Get("search")),
		MessagesOnly: q.Get("search_scope") == "messages",
		Cursor:       cursor,
		Limit:        limit,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if len(chats) == limit {
		if next := chat.NextChatCursor(chats); next != "" {
			w.Header().Set(NextCursorHeader, next)
		}
	}
	respondJSON(w, http.StatusOK, chat.ChatViews(chats))
}

// HandleGet handles GET /chats/{id}
func (h *ChatHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.chats.Get(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat.ChatView(c))
}

// transition runs one status action on the chat in the URL.
func (h *ChatHandler) transition(w http.ResponseWriter, r *http.Request, fn func(model.User, uuid.UUID) (model.Chat, error)) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	c, err := fn(ac.User, id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat.ChatView(c))
}

// HandleClose handles POST /chats/{id}/close
func (h *ChatHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(u model.User, id uuid.UUID) (model.Chat, error) {
		return h.chats.Close(r.Context(), u, id)
	})
}

// HandleResume handles POST /chats/{id}/resume
func (h *ChatHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(u model.User, id uuid.UUID) (model.Chat, error) {
		return h.chats.Resume(r.Context(), u, id)
	})
}

// HandleAssign handles POST /chats/{id}/assign {user_id}; an omitted user assigns the caller.
func (h *ChatHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID *uuid.UUID `json:"user_id"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	h.transition(w, r, func(u model.User, id uuid.UUID) (model.Chat, error) {
		return h.chats.Assign(r.Context(), u, id, req.UserID)
	})
}

// HandleEscalate handles POST /chats/{id}/escalate {superadmin_user_id}
func (h *ChatHandler) HandleEscalate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SuperadminUserID *uuid.UUID `json:"superadmin_user_id"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	h.transition(w, r, func(u model.User, id uuid.UUID) (model.Chat, error) {
		return h.chats.Escalate(r.Context(), u, id, req.SuperadminUserID)
	})
}

// HandleNote handles PATCH /chats/{id}/note {note}
func (h *ChatHandler) HandleNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note *string `json:"note"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	h.transition(w, r, func(_ model.User, id uuid.UUID) (model.Chat, error) {
		return h.chats.SetNote(r.Context(), id, req.Note)
	})
}

// HandleDelete handles DELETE /chats/{id} (administrators only)
func (h *ChatHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.chats.Delete(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okBody)
}

// HandleListMessages handles GET /chats/{id}/messages?cursor=&limit=. Reading
// the newest page marks the chat read.
func (h *ChatHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(r, "limit", 30, 1, 100)
	if !ok {
		apierrors.ErrorWithMessage(w, apierrors.CodeInvalidRequest, "limit must be between 1 and 100")
		return
	}
	cursor, err := chat.ParseMessageCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	msgs, err := h.chats.ListMessages(r.Context(), id, cursor, limit)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if len(msgs) == limit {
		if next := chat.NextMessageCursor(msgs); next != "" {
			w.Header().Set(NextCursorHeader, next)
		}
	}
	respondJSON(w, http.StatusOK, chat.MessageViews(msgs))
}

// HandleSendMessage handles POST /chats/{id}/messages
func (h *ChatHandler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req chat.OperatorMessage
	if !decodeJSON(w, r, &req, false) {
		return
	}
	msg, err := h.chats.SendOperatorMessage(r.Context(), ac.User, id, req)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat.MessageView(msg))
}

// HandleDeleteMessage handles DELETE /chats/{id}/messages/{mid}
func (h *ChatHandler) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	mid, ok := uuidParam(w, r, "mid")
	if !ok {
		return
	}
	if err := h.chats.DeleteMessage(r.Context(), id, mid); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
