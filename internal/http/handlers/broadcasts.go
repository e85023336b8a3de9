package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/broadcast"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/model"
)

// BroadcastHandler serves campaign creation and status for administrators.
type BroadcastHandler struct {
	svc *broadcast.Service
}

// NewBroadcastHandler creates a new broadcast handler
func NewBroadcastHandler(svc *broadcast.Service) *BroadcastHandler {
	return &BroadcastHandler{svc: svc}
}

type broadcastOut struct {
	ID              uuid.UUID              `json:"id"`
	Title           string                 `json:"title"`
	Body            string                 `json:"body"`
	TargetStatuses  []string               `json:"target_statuses"`
	InlineButtons   [][]model.InlineButton `json:"inline_buttons"`
	Attachments     []model.Attachment     `json:"attachments"`
	Status          string                 `json:"status"`
	Stats           model.BroadcastStats   `json:"stats"`
	CreatedByUserID *uuid.UUID             `json:"created_by_user_id"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at"`
}

func broadcastView(b model.Broadcast) broadcastOut {
	atts := b.Attachments
	if atts == nil {
		atts = []model.Attachment{}
	}
	return broadcastOut{
		ID:              b.ID,
		Title:           b.Title,
		Body:            b.Body,
		TargetStatuses:  b.TargetStatuses,
		InlineButtons:   b.InlineButtons,
		Attachments:     atts,
		Status:          b.Status,
		Stats:           b.Stats,
		CreatedByUserID: b.CreatedByUserID,
		CreatedAt:       b.CreatedAt,
		StartedAt:       b.StartedAt,
		CompletedAt:     b.CompletedAt,
	}
}

// HandleList handles GET /broadcasts
func (h *BroadcastHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context(), 50)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := make([]broadcastOut, 0, len(list))
	for _, b := range list {
		out = append(out, broadcastView(b))
	}
	respondJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /broadcasts/{id}
func (h *BroadcastHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, broadcastView(b))
}

// HandleCreate handles POST /broadcasts. The campaign is queued, not sent inline.
func (h *BroadcastHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	var req broadcast.CreateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	b, err := h.svc.Create(r.Context(), ac.User, req)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, broadcastView(b))
}
