package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/realtime"
	"github.com/supportpanel/server/internal/repo"
)

// TemplateHandler serves canned replies and announces changes to every panel.
type TemplateHandler struct {
	repo repo.TemplateRepo
	pub  chat.Publisher
}

// NewTemplateHandler creates a new template handler
func NewTemplateHandler(r repo.TemplateRepo, pub chat.Publisher) *TemplateHandler {
	return &TemplateHandler{repo: r, pub: pub}
}

type templateOut struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func templateView(t model.Template) templateOut {
	return templateOut{ID: t.ID, Title: t.Title, Body: t.Body, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

// HandleList handles GET /templates
func (h *TemplateHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := make([]templateOut, 0, len(list))
	for _, t := range list {
		out = append(out, templateView(t))
	}
	respondJSON(w, http.StatusOK, out)
}

// HandleCreate handles POST /templates
func (h *TemplateHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	t := model.Template{Title: strings.TrimSpace(req.Title), Body: req.Body}
	if t.Title == "" || strings.TrimSpace(t.Body) == "" {
		apierrors.ErrorWithMessage(w, apierrors.CodeInvalidRequest, "title and body are required")
		return
	}
	if err := h.repo.Create(r.Context(), &t); err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := templateView(t)
	h.pub.Publish(realtime.TemplateCreated, out)
	respondJSON(w, http.StatusOK, out)
}

// HandleUpdate handles PATCH /templates/{id}; omitted fields are kept.
func (h *TemplateHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Title *string `json:"title"`
		Body  *string `json:"body"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	t, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if req.Title != nil {
		t.Title = strings.TrimSpace(*req.Title)
	}
	if req.Body != nil {
		t.Body = *req.Body
	}
	if t.Title == "" || strings.TrimSpace(t.Body) == "" {
		apierrors.ErrorWithMessage(w, apierrors.CodeInvalidRequest, "title and body must not be empty")
		return
	}
	if err := h.repo.Update(r.Context(), &t); err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := templateView(t)
	h.pub.Publish(realtime.TemplateUpdated, out)
	respondJSON(w, http.StatusOK, out)
}

// HandleDelete handles DELETE /templates/{id}
func (h *TemplateHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.pub.Publish(realtime.TemplateDeleted, map[string]uuid.UUID{"id": id})
	w.WriteHeader(http.StatusNoContent)
}
