package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
)

// ChatOut is the API and event representation of a chat.
type ChatOut struct {
	ID                 uuid.UUID        `json:"id"`
	TgID               int64            `json:"tg_id"`
	TgUsername         *string          `json:"tg_username"`
	FirstName          *string          `json:"first_name"`
	LastName           *string          `json:"last_name"`
	LanguageCode       *string          `json:"language_code"`
	PhotoURL           *string          `json:"photo_url"`
	Status             model.ChatStatus `json:"status"`
	UnreadCount        int              `json:"unread_count"`
	LastMessageAt      *time.Time       `json:"last_message_at"`
	LastMessagePreview *string          `json:"last_message_preview"`
	AssignedUserID     *uuid.UUID       `json:"assigned_user_id"`
	EscalatedToUserID  *uuid.UUID       `json:"escalated_to_user_id"`
	Note               *string          `json:"note"`
	CreatedAt          time.Time        `json:"created_at"`
}

// ChatView converts a stored chat.
func ChatView(c model.Chat) ChatOut {
	return ChatOut{
		ID:                 c.ID,
		TgID:               c.TgID,
		TgUsername:         c.TgUsername,
		FirstName:          c.FirstName,
		LastName:           c.LastName,
		LanguageCode:       c.LanguageCode,
		PhotoURL:           c.PhotoURL,
		Status:             c.Status,
		UnreadCount:        c.UnreadCount,
		LastMessageAt:      c.LastMessageAt,
		LastMessagePreview: c.LastMessagePreview,
		AssignedUserID:     c.AssignedUserID,
		EscalatedToUserID:  c.EscalatedToUserID,
		Note:               c.Note,
		CreatedAt:          c.CreatedAt,
	}
}

// MessageOut is the API and event representation of a message.
type MessageOut struct {
	ID                       uuid.UUID              `json:"id"`
	ChatID                   uuid.UUID              `json:"chat_id"`
	Direction                model.Direction        `json:"direction"`
	Type                     model.MessageType      `json:"type"`
	Text                     *string                `json:"text"`
	TelegramMessageID        *int64                 `json:"telegram_message_id"`
	ReplyToTelegramMessageID *int64                 `json:"reply_to_telegram_message_id"`
	TelegramMediaGroupID     *string                `json:"telegram_media_group_id"`
	IsEdited                 bool                   `json:"is_edited"`
	EditedAt                 *time.Time             `json:"edited_at"`
	SentByUserID             *uuid.UUID             `json:"sent_by_user_id"`
	Attachments              []model.Attachment     `json:"attachments"`
	InlineButtons            [][]model.InlineButton `json:"inline_buttons"`
	ForwardFromName          *string                `json:"forward_from_name"`
	ForwardFromUsername      *string                `json:"forward_from_username"`
	ForwardDate              *time.Time             `json:"forward_date"`
	CreatedAt                time.Time              `json:"created_at"`
}

// MessageView converts a stored message. Attachments are never null.
func MessageView(m model.Message) MessageOut {
	atts := m.Attachments
	if atts == nil {
		atts = []model.Attachment{}
	}
	return MessageOut{
		ID:                       m.ID,
		ChatID:                   m.ChatID,
		Direction:                m.Direction,
		Type:                     m.Type,
		Text:                     m.Text,
		TelegramMessageID:        m.TelegramMessageID,
		ReplyToTelegramMessageID: m.ReplyToTelegramMessageID,
		TelegramMediaGroupID:     m.TelegramMediaGroupID,
		IsEdited:                 m.IsEdited,
		EditedAt:                 m.EditedAt,
		SentByUserID:             m.SentByUserID,
		Attachments:              atts,
		InlineButtons:            m.InlineButtons,
		ForwardFromName:          m.ForwardFromName,
		ForwardFromUsername:      m.ForwardFromUsername,
		ForwardDate:              m.ForwardDate,
		CreatedAt:                m.CreatedAt,
	}
}

// MessageViews converts a page of messages.
func MessageViews(msgs []model.Message) []MessageOut {
	out := make([]MessageOut, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageView(m))
	}
	return out
}

// ChatViews converts a page of chats.
func ChatViews(chats []model.Chat) []ChatOut {
	out := make([]ChatOut, 0, len(chats))
	for _, c := range chats {
		out = append(out, ChatView(c))
	}
	return out
}

func messageEvent(m model.Message) map[string]any {
	return map[string]any{"chat_id": m.ChatID, "message": MessageView(m)}
}
