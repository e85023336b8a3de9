// Package chat owns the ticket state machine and the message flows that drive it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/botclient"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/realtime"
	"github.com/supportpanel/server/internal/repo"
)

// System message texts recorded on transitions.
const (
	TextReopened  = "Ticket reopened"
	TextAccepted  = "Ticket accepted"
	TextClosed    = "Ticket closed"
	TextEscalated = "Ticket escalated"
	TextResumed   = "Ticket returned to work"
	TextAssigned  = "Ticket assigned"
)

const previewLen = 100

// Publisher receives state deltas after they are committed.
type Publisher interface {
	Publish(event string, payload any)
}

// Sender delivers operator messages through the bot transport.
type Sender interface {
	Send(ctx context.Context, req botclient.SendRequest) (*int64, error)
	Delete(ctx context.Context, tgID, telegramMessageID int64) error
}

// Service applies chat transitions. Every mutation is committed in one
// transaction before any event is published or any transport call is made.
type Service struct {
	store repo.Store
	pub   Publisher
	bot   Sender
	now   func() time.Time
}

// NewService creates the chat service. bot may be nil, in which case
// operator messages are stored but not delivered.
func NewService(store repo.Store, pub Publisher, bot Sender) *Service {
	return &Service{store: store, pub: pub, bot: bot, now: time.Now}
}

// Profile is the Telegram-side identity of a chat.
type Profile struct {
	TgID         int64   `json:"tg_id"`
	TgUsername   *string `json:"tg_username"`
	FirstName    *string `json:"first_name"`
	LastName     *string `json:"last_name"`
	LanguageCode *string `json:"language_code"`
	PhotoURL     *string `json:"photo_url"`
}

// applyProfile copies non-empty profile fields that differ from c.
func applyProfile(c *model.Chat, p Profile) bool {
	changed := false
	set := func(dst **string, v *string) {
		if v == nil || *v == "" {
			return
		}
		if *dst == nil || **dst != *v {
			val := *v
			*dst = &val
			changed = true
		}
	}
	set(&c.TgUsername, p.TgUsername)
	set(&c.FirstName, p.FirstName)
	set(&c.LastName, p.LastName)
	set(&c.LanguageCode, p.LanguageCode)
	set(&c.PhotoURL, p.PhotoURL)
	return changed
}

func (s *Service) publish(event string, payload any) {
	if s.pub != nil {
		s.pub.Publish(event, payload)
	}
}

func (s *Service) stamp() time.Time { return s.now().UTC() }

func systemMessage(chatID uuid.UUID, text string, actor *uuid.UUID) model.Message {
	return model.Message{
		ChatID:       chatID,
		Direction:    model.DirectionOut,
		Type:         model.MessageSystem,
		Text:         &text,
		SentByUserID: actor,
	}
}

// preview is the chat list snippet for m: its text cut to 100 runes, or its type.
func preview(m model.Message) string {
	if m.Text == nil {
		return string(m.Type)
	}
	t := *m.Text
	if utf8.RuneCountInString(t) <= previewLen {
		return t
	}
	return string([]rune(t)[:previewLen])
}

func normalizeType(t model.MessageType) (model.MessageType, error) {
	if t == "" {
		return model.MessageText, nil
	}
	if !t.Valid() || t == model.MessageSystem {
		return "", fmt.Errorf("%w: message type %q", ErrInvalidInput, t)
	}
	return t, nil
}

// Get returns one chat.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Chat, error) {
	return s.store.Chats().GetByID(ctx, id)
}

// List returns one page of the chat list.
func (s *Service) List(ctx context.Context, f repo.ChatFilter) ([]model.Chat, error) {
	switch f.Tab {
	case "", repo.TabNew, repo.TabActive, repo.TabClosed, repo.TabEscalated, repo.TabTransferred, repo.TabUnanswered:
	default:
		return nil, fmt.Errorf("%w: unknown tab %q", ErrInvalidInput, f.Tab)
	}
	return s.store.Chats().List(ctx, f)
}

// errChatRaced marks a chat insert that lost to a concurrent first contact
// for the same Telegram user.
var errChatRaced = errors.New("chat created concurrently")

func createChat(ctx context.Context, r repo.Repos, c *model.Chat) error {
	err := r.Chats().Create(ctx, c)
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: %w", errChatRaced, err)
	}
	return err
}

// firstContactTx runs fn in a transaction and runs it once more when the chat
// insert raced another transaction; the second attempt finds the row.
func (s *Service) firstContactTx(ctx context.Context, fn func(repo.Repos) error) error {
	err := s.store.WithinTx(ctx, fn)
	if errors.Is(err, errChatRaced) {
		err = s.store.WithinTx(ctx, fn)
	}
	return err
}

// UpsertProfile creates the chat for a Telegram user or refreshes its profile.
func (s *Service) UpsertProfile(ctx context.Context, p Profile) (model.Chat, error) {
	if p.TgID == 0 {
		return model.Chat{}, fmt.Errorf("%w: tg_id is required", ErrInvalidInput)
	}
	var (
		out     model.Chat
		created bool
		changed bool
	)
	err := s.firstContactTx(ctx, func(r repo.Repos) error {
		out, created, changed = model.Chat{}, false, false
		c, err := r.Chats().LockByTgID(ctx, p.TgID)
		if errors.Is(err, repo.ErrNotFound) {
			now := s.stamp()
			c = model.Chat{TgID: p.TgID, Status: model.ChatNew, LastMessageAt: &now}
			applyProfile(&c, p)
			if err := createChat(ctx, r, &c); err != nil {
				return err
			}
			out, created = c, true
			return nil
		}
		if err != nil {
			return err
		}
		if changed = applyProfile(&c, p); changed {
			if err := r.Chats().Update(ctx, &c); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return model.Chat{}, fmt.Errorf("upsert chat %d: %w", p.TgID, err)
	}
	switch {
	case created:
		s.publish(realtime.ChatCreated, map[string]any{"chat": ChatView(out)})
	case changed:
		s.publish(realtime.ChatUpdated, map[string]any{
			"id":            out.ID,
			"tg_username":   out.TgUsername,
			"first_name":    out.FirstName,
			"last_name":     out.LastName,
			"language_code": out.LanguageCode,
			"photo_url":     out.PhotoURL,
		})
	}
	return out, nil
}

// Inbound is a message the Telegram user sent to the bot.
type Inbound struct {
	Profile
	Text                     *string            `json:"text"`
	Type                     model.MessageType  `json:"type"`
	TelegramMessageID        *int64             `json:"telegram_message_id"`
	ReplyToTelegramMessageID *int64             `json:"reply_to_telegram_message_id"`
	TelegramMediaGroupID     *string            `json:"telegram_media_group_id"`
	Attachments              []model.Attachment `json:"attachments"`
	ForwardFromName          *string            `json:"forward_from_name"`
	ForwardFromUsername      *string            `json:"forward_from_username"`
	ForwardDate              *time.Time         `json:"forward_date"`
}

// InboundResult reports what RecordInbound did.
type InboundResult struct {
	Chat          model.Chat
	Message       model.Message
	SendAutoreply bool
}

// RecordInbound stores a user message. A CLOSED chat goes back to NEW with one
// system message; the unread counter grows by exactly one. The auto-reply is
// requested once after each /start.
func (s *Service) RecordInbound(ctx context.Context, in Inbound) (InboundResult, error) {
	if in.TgID == 0 {
		return InboundResult{}, fmt.Errorf("%w: tg_id is required", ErrInvalidInput)
	}
	typ, err := normalizeType(in.Type)
	if err != nil {
		return InboundResult{}, err
	}

	var (
		res     InboundResult
		created bool
		reopen  *model.Message
	)
	err = s.firstContactTx(ctx, func(r repo.Repos) error {
		res, created, reopen = InboundResult{}, false, nil
		c, err := r.Chats().LockByTgID(ctx, in.TgID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			c = model.Chat{TgID: in.TgID, Status: model.ChatNew}
			applyProfile(&c, in.Profile)
			if err := createChat(ctx, r, &c); err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		default:
			applyProfile(&c, in.Profile)
			if c.Status == model.ChatClosed {
				c.Status = model.ChatNew
				sys := systemMessage(c.ID, TextReopened, nil)
				if err := r.Messages().Create(ctx, &sys); err != nil {
					return err
				}
				reopen = &sys
			}
		}

		if in.Text != nil && strings.HasPrefix(*in.Text, "/start") {
			c.AutoreplySent = false
		} else if !c.AutoreplySent {
			c.AutoreplySent = true
			res.SendAutoreply = true
		}

		msg := model.Message{
			ChatID:                   c.ID,
			Direction:                model.DirectionIn,
			Type:                     typ,
			Text:                     in.Text,
			TelegramMessageID:        in.TelegramMessageID,
			ReplyToTelegramMessageID: in.ReplyToTelegramMessageID,
			TelegramMediaGroupID:     in.TelegramMediaGroupID,
			Attachments:              in.Attachments,
			ForwardFromName:          in.ForwardFromName,
			ForwardFromUsername:      in.ForwardFromUsername,
			ForwardDate:              in.ForwardDate,
		}
		if err := r.Messages().Create(ctx, &msg); err != nil {
			return err
		}

		c.UnreadCount++
		now := s.stamp()
		c.LastMessageAt = &now
		if err := r.Chats().Update(ctx, &c); err != nil {
			return err
		}
		res.Chat, res.Message = c, msg
		return nil
	})
	if err != nil {
		return InboundResult{}, fmt.Errorf("record inbound for %d: %w", in.TgID, err)
	}

	if created {
		s.publish(realtime.ChatCreated, map[string]any{"chat": ChatView(res.Chat)})
	}
	if reopen != nil {
		s.publish(realtime.MessageCreated, messageEvent(*reopen))
	}
	s.publish(realtime.MessageCreated, messageEvent(res.Message))
	s.publish(realtime.ChatUpdated, map[string]any{
		"id":                   res.Chat.ID,
		"unread_count":         res.Chat.UnreadCount,
		"last_message_at":      res.Chat.LastMessageAt,
		"last_message_preview": preview(res.Message),
		"status":               res.Chat.Status,
	})
	return res, nil
}

// Outgoing is a message the transport sent on its own, such as a greeting.
type Outgoing struct {
	TgID                     int64              `json:"tg_id"`
	Text                     *string            `json:"text"`
	Type                     model.MessageType  `json:"type"`
	TelegramMessageID        *int64             `json:"telegram_message_id"`
	ReplyToTelegramMessageID *int64             `json:"reply_to_telegram_message_id"`
	TelegramMediaGroupID     *string            `json:"telegram_media_group_id"`
	Attachments              []model.Attachment `json:"attachments"`
}

// RecordOutgoing stores a transport-originated message. It never changes the
// chat status or unread counter.
func (s *Service) RecordOutgoing(ctx context.Context, out Outgoing) (model.Message, error) {
	typ, err := normalizeType(out.Type)
	if err != nil {
		return model.Message{}, err
	}
	var (
		msg model.Message
		at  time.Time
	)
	err = s.store.WithinTx(ctx, func(r repo.Repos) error {
		c, err := r.Chats().GetByTgID(ctx, out.TgID)
		if err != nil {
			return err
		}
		msg = model.Message{
			ChatID:                   c.ID,
			Direction:                model.DirectionOut,
			Type:                     typ,
			Text:                     out.Text,
			TelegramMessageID:        out.TelegramMessageID,
			ReplyToTelegramMessageID: out.ReplyToTelegramMessageID,
			TelegramMediaGroupID:     out.TelegramMediaGroupID,
			Attachments:              out.Attachments,
		}
		if err := r.Messages().Create(ctx, &msg); err != nil {
			return err
		}
		at = s.stamp()
		return r.Chats().TouchLastMessage(ctx, c.ID, at)
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("record outgoing for %d: %w", out.TgID, err)
	}
	s.publish(realtime.MessageCreated, messageEvent(msg))
	s.publish(realtime.ChatUpdated, map[string]any{"id": msg.ChatID, "last_message_at": at})
	return msg, nil
}

// Edit is a text change the user made to an earlier message.
type Edit struct {
	TgID              int64      `json:"tg_id"`
	TelegramMessageID int64      `json:"telegram_message_id"`
	Text              *string    `json:"text"`
	EditedAt          *time.Time `json:"edited_at"`
}

// RecordEdit applies an edit. It reports false when no stored message carries
// that remote id; an unknown chat is repo.ErrNotFound.
func (s *Service) RecordEdit(ctx context.Context, e Edit) (bool, error) {
	c, err := s.store.Chats().GetByTgID(ctx, e.TgID)
	if err != nil {
		return false, fmt.Errorf("edit for %d: %w", e.TgID, err)
	}
	msg, err := s.store.Messages().GetByTelegramID(ctx, c.ID, e.TelegramMessageID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	at := s.stamp()
	if e.EditedAt != nil {
		at = e.EditedAt.UTC()
	}
	if err := s.store.Messages().UpdateText(ctx, msg.ID, e.Text, at); err != nil {
		return false, err
	}
	msg.Text, msg.IsEdited, msg.EditedAt = e.Text, true, &at
	s.publish(realtime.MessageUpdated, messageEvent(msg))
	return true, nil
}

// ListMessages returns one page of a chat's history, newest first, and marks
// the chat read: a positive unread counter is set to 0 in the same transaction.
func (s *Service) ListMessages(ctx context.Context, chatID uuid.UUID, cursor *repo.MessageCursor, limit int) ([]model.Message, error) {
	var (
		page  []model.Message
		reset bool
	)
	err := s.store.WithinTx(ctx, func(r repo.Repos) error {
		c, err := r.Chats().LockByID(ctx, chatID)
		if err != nil {
			return err
		}
		page, err = r.Messages().ListByChat(ctx, chatID, cursor, limit)
		if err != nil {
			return err
		}
		if c.UnreadCount > 0 {
			c.UnreadCount = 0
			reset = true
			return r.Chats().Update(ctx, &c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", chatID, err)
	}
	if reset {
		s.publish(realtime.ChatUpdated, map[string]any{"id": chatID, "unread_count": 0})
	}
	return page, nil
}

// OperatorMessage is what an operator submits from the console.
type OperatorMessage struct {
	Text             *string                `json:"text"`
	Type             model.MessageType      `json:"type"`
	Attachments      []model.Attachment     `json:"attachments"`
	ReplyToMessageID *uuid.UUID             `json:"reply_to_message_id"`
	InlineButtons    [][]model.InlineButton `json:"inline_buttons"`
}

// SendOperatorMessage stores an operator reply and delivers it. The first
// reply on a NEW chat moves it to ACTIVE with one system message. Delivery is
// best-effort except for oversized payloads: those are removed again and
// reported as botclient.ErrPayloadTooLarge.
func (s *Service) SendOperatorMessage(ctx context.Context, actor model.User, chatID uuid.UUID, in OperatorMessage) (model.Message, error) {
	typ, err := normalizeType(in.Type)
	if err != nil {
		return model.Message{}, err
	}
	if (in.Text == nil || strings.TrimSpace(*in.Text) == "") && len(in.Attachments) == 0 {
		return model.Message{}, fmt.Errorf("%w: text or attachments required", ErrInvalidInput)
	}

	var (
		c        model.Chat
		msg      model.Message
		accepted *model.Message
	)
	actorID := actor.ID
	err = s.store.WithinTx(ctx, func(r repo.Repos) error {
		var err error
		c, err = r.Chats().LockByID(ctx, chatID)
		if err != nil {
			return err
		}

		var replyTo *int64
		if in.ReplyToMessageID != nil {
			orig, err := r.Messages().GetByID(ctx, chatID, *in.ReplyToMessageID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err == nil {
				replyTo = orig.TelegramMessageID
			}
		}

		if c.Status == model.ChatNew {
			c.Status = model.ChatActive
			sys := systemMessage(c.ID, TextAccepted, nil)
			if err := r.Messages().Create(ctx, &sys); err != nil {
				return err
			}
			accepted = &sys
		}

		msg = model.Message{
			ChatID:                   c.ID,
			Direction:                model.DirectionOut,
			Type:                     typ,
			Text:                     in.Text,
			SentByUserID:             &actorID,
			ReplyToTelegramMessageID: replyTo,
			InlineButtons:            in.InlineButtons,
			Attachments:              in.Attachments,
		}
		if err := r.Messages().Create(ctx, &msg); err != nil {
			return err
		}

		c.UnreadCount = 0
		now := s.stamp()
		c.LastMessageAt = &now
		return r.Chats().Update(ctx, &c)
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("send to chat %s: %w", chatID, err)
	}

	if accepted != nil {
		s.publish(realtime.MessageCreated, messageEvent(*accepted))
	}
	s.publish(realtime.MessageCreated, messageEvent(msg))
	delta := map[string]any{"id": c.ID, "unread_count": c.UnreadCount, "last_message_at": c.LastMessageAt}
	if accepted != nil {
		delta["status"] = c.Status
	}
	s.publish(realtime.ChatUpdated, delta)

	return s.deliver(ctx, c, msg)
}

func (s *Service) deliver(ctx context.Context, c model.Chat, msg model.Message) (model.Message, error) {
	if s.bot == nil {
		return msg, nil
	}
	msgID := msg.ID
	remote, err := s.bot.Send(ctx, botclient.SendRequest{
		TgID:                     c.TgID,
		MessageID:                &msgID,
		Text:                     msg.Text,
		Type:                     msg.Type,
		ReplyToTelegramMessageID: msg.ReplyToTelegramMessageID,
		InlineButtons:            msg.InlineButtons,
		Attachments:              botclient.Attachments(msg.Attachments),
	})
	if errors.Is(err, botclient.ErrPayloadTooLarge) {
		if delErr := s.store.Messages().Delete(ctx, c.ID, msg.ID); delErr != nil {
			log.Printf("chat: remove undeliverable message %s: %v", msg.ID, delErr)
		} else {
			s.publish(realtime.MessageDeleted, map[string]any{"chat_id": c.ID, "message_id": msg.ID})
		}
		return model.Message{}, err
	}
	if err != nil {
		log.Printf("chat: deliver message %s: %v", msg.ID, err)
		return msg, nil
	}
	if remote == nil {
		return msg, nil
	}
	if err := s.store.Messages().SetTelegramMessageID(ctx, msg.ID, *remote); err != nil {
		log.Printf("chat: store remote id for %s: %v", msg.ID, err)
		return msg, nil
	}
	msg.TelegramMessageID = remote
	s.publish(realtime.MessageUpdated, messageEvent(msg))
	return msg, nil
}

// transition applies one operator action under the row lock: allowed gates
// the current status, mutate edits the chat, and a system message is appended.
func (s *Service) transition(
	ctx context.Context,
	actor model.User,
	chatID uuid.UUID,
	text string,
	allowed func(model.ChatStatus) bool,
	mutate func(r repo.Repos, c *model.Chat) error,
	delta func(c model.Chat) map[string]any,
) (model.Chat, error) {
	var (
		c   model.Chat
		sys model.Message
	)
	actorID := actor.ID
	err := s.store.WithinTx(ctx, func(r repo.Repos) error {
		var err error
		c, err = r.Chats().LockByID(ctx, chatID)
		if err != nil {
			return err
		}
		if allowed != nil && !allowed(c.Status) {
			return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, text, c.Status)
		}
		if err := mutate(r, &c); err != nil {
			return err
		}
		now := s.stamp()
		c.LastMessageAt = &now
		sys = systemMessage(c.ID, text, &actorID)
		if err := r.Messages().Create(ctx, &sys); err != nil {
			return err
		}
		return r.Chats().Update(ctx, &c)
	})
	if err != nil {
		return model.Chat{}, err
	}
	s.publish(realtime.MessageCreated, messageEvent(sys))
	d := delta(c)
	d["id"] = c.ID
	d["last_message_at"] = c.LastMessageAt
	s.publish(realtime.ChatUpdated, d)
	return c, nil
}

func notClosed(st model.ChatStatus) bool { return st != model.ChatClosed }

func requireUser(ctx context.Context, r repo.Repos, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	if _, err := r.Users().GetByID(ctx, *id); err != nil {
		return fmt.Errorf("target user: %w", err)
	}
	return nil
}

// Close moves an open chat to CLOSED.
func (s *Service) Close(ctx context.Context, actor model.User, chatID uuid.UUID) (model.Chat, error) {
	return s.transition(ctx, actor, chatID, TextClosed, notClosed,
		func(_ repo.Repos, c *model.Chat) error {
			c.Status = model.ChatClosed
			return nil
		},
		func(c model.Chat) map[string]any {
			return map[string]any{"status": c.Status, "unread_count": c.UnreadCount}
		})
}

// Escalate hands an open chat to target, which may be nil for "any administrator".
func (s *Service) Escalate(ctx context.Context, actor model.User, chatID uuid.UUID, target *uuid.UUID) (model.Chat, error) {
	return s.transition(ctx, actor, chatID, TextEscalated, notClosed,
		func(r repo.Repos, c *model.Chat) error {
			if err := requireUser(ctx, r, target); err != nil {
				return err
			}
			c.Status = model.ChatEscalated
			c.EscalatedToUserID = target
			return nil
		},
		func(c model.Chat) map[string]any {
			return map[string]any{"status": c.Status, "escalated_to_user_id": c.EscalatedToUserID}
		})
}

// Resume returns an ESCALATED chat to ACTIVE and clears the escalation target.
func (s *Service) Resume(ctx context.Context, actor model.User, chatID uuid.UUID) (model.Chat, error) {
	return s.transition(ctx, actor, chatID, TextResumed,
		func(st model.ChatStatus) bool { return st == model.ChatEscalated },
		func(_ repo.Repos, c *model.Chat) error {
			c.Status = model.ChatActive
			c.EscalatedToUserID = nil
			return nil
		},
		func(c model.Chat) map[string]any {
			return map[string]any{"status": c.Status, "escalated_to_user_id": nil}
		})
}

// Assign records the responsible operator; assignee defaults to the actor.
// The status is left unchanged.
func (s *Service) Assign(ctx context.Context, actor model.User, chatID uuid.UUID, assignee *uuid.UUID) (model.Chat, error) {
	if assignee == nil {
		id := actor.ID
		assignee = &id
	}
	return s.transition(ctx, actor, chatID, TextAssigned, nil,
		func(r repo.Repos, c *model.Chat) error {
			if err := requireUser(ctx, r, assignee); err != nil {
				return err
			}
			c.AssignedUserID = assignee
			return nil
		},
		func(c model.Chat) map[string]any {
			return map[string]any{"assigned_user_id": c.AssignedUserID}
		})
}

// SetNote replaces the operator note; blank clears it.
func (s *Service) SetNote(ctx context.Context, chatID uuid.UUID, note *string) (model.Chat, error) {
	var c model.Chat
	err := s.store.WithinTx(ctx, func(r repo.Repos) error {
		var err error
		c, err = r.Chats().LockByID(ctx, chatID)
		if err != nil {
			return err
		}
		c.Note = nil
		if note != nil {
			if v := strings.TrimSpace(*note); v != "" {
				c.Note = &v
			}
		}
		return r.Chats().Update(ctx, &c)
	})
	if err != nil {
		return model.Chat{}, err
	}
	s.publish(realtime.ChatUpdated, map[string]any{"id": c.ID, "note": c.Note})
	return c, nil
}

// Delete removes a chat with its messages and attachments.
func (s *Service) Delete(ctx context.Context, chatID uuid.UUID) error {
	if err := s.store.Chats().Delete(ctx, chatID); err != nil {
		return err
	}
	s.publish(realtime.ChatDeleted, map[string]any{"id": chatID})
	return nil
}

// DeleteMessage removes one message. Delivered operator messages are also
// removed remotely, best-effort.
func (s *Service) DeleteMessage(ctx context.Context, chatID, messageID uuid.UUID) error {
	c, err := s.store.Chats().GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	msg, err := s.store.Messages().GetByID(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if err := s.store.Messages().Delete(ctx, chatID, messageID); err != nil {
		return err
	}
	if s.bot != nil && msg.Direction == model.DirectionOut && msg.TelegramMessageID != nil {
		if err := s.bot.Delete(ctx, c.TgID, *msg.TelegramMessageID); err != nil {
			log.Printf("chat: remote delete of %s: %v", messageID, err)
		}
	}
	s.publish(realtime.MessageDeleted, map[string]any{"chat_id": chatID, "message_id": messageID})
	return nil
}
