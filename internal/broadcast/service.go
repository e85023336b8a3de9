// Package broadcast runs mass message campaigns through a durable
// pending -> in_progress -> completed state machine.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

// TargetAll selects every chat regardless of status.
const TargetAll = "all"

// ErrInvalidInput is returned for malformed campaign requests.
var ErrInvalidInput = errors.New("invalid broadcast")

var targetStatuses = map[string]model.ChatStatus{
	"new":       model.ChatNew,
	"active":    model.ChatActive,
	"closed":    model.ChatClosed,
	"escalated": model.ChatEscalated,
}

// Notifier tells workers that a campaign is waiting.
type Notifier interface {
	Notify(ctx context.Context, id uuid.UUID) error
}

// CreateRequest is an administrator's campaign submission.
type CreateRequest struct {
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	TargetStatuses []string               `json:"target_statuses"`
	Attachments    []model.Attachment     `json:"attachments"`
	InlineButtons  [][]model.InlineButton `json:"inline_buttons"`
}

// normalizeTargets lowercases and validates the filter. "all" anywhere wins.
func normalizeTargets(in []string) ([]string, error) {
	if len(in) == 0 {
		return []string{TargetAll}, nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == TargetAll {
			return []string{TargetAll}, nil
		}
		if _, ok := targetStatuses[s]; !ok {
			return nil, fmt.Errorf("%w: unknown target status %q", ErrInvalidInput, s)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// chatStatuses maps a stored filter to chat statuses; nil means every chat.
func chatStatuses(targets []string) []model.ChatStatus {
	var out []model.ChatStatus
	for _, s := range targets {
		if s == TargetAll {
			return nil
		}
		if st, ok := targetStatuses[s]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Service creates and reads campaigns.
type Service struct {
	store    repo.Store
	notifier Notifier
}

// NewService creates the campaign service. notifier may be nil; workers then
// find campaigns by polling.
func NewService(store repo.Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// Create stores a pending campaign and notifies workers, best-effort.
func (s *Service) Create(ctx context.Context, actor model.User, req CreateRequest) (model.Broadcast, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return model.Broadcast{}, fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	targets, err := normalizeTargets(req.TargetStatuses)
	if err != nil {
		return model.Broadcast{}, err
	}
	actorID := actor.ID
	b := model.Broadcast{
		Title:           strings.TrimSpace(req.Title),
		Body:            body,
		TargetStatuses:  targets,
		InlineButtons:   req.InlineButtons,
		Attachments:     req.Attachments,
		Status:          model.BroadcastPending,
		CreatedByUserID: &actorID,
	}
	if err := s.store.Broadcasts().Create(ctx, &b); err != nil {
		return model.Broadcast{}, err
	}
	globalMetrics().campaigns.WithLabelValues(model.BroadcastPending).Inc()

	if s.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.notifier.Notify(nctx, b.ID); err != nil {
			log.Printf("broadcast: notify %s: %v (polling will pick it up)", b.ID, err)
		}
	}
	return b, nil
}

// List returns the most recent campaigns.
func (s *Service) List(ctx context.Context, limit int) ([]model.Broadcast, error) {
	return s.store.Broadcasts().List(ctx, limit)
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Broadcast, error) {
	return s.store.Broadcasts().GetByID(ctx, id)
}
