package chat

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

// Cursors are base64url("<RFC3339Nano>|<uuid>").

func encodeCursor(at time.Time, id uuid.UUID) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id.String()
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (time.Time, uuid.UUID, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return time.Time{}, uuid.Nil, fmt.Errorf("%w: cursor encoding", ErrInvalidInput)
		}
	}
	ts, ident, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: cursor format", ErrInvalidInput)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: cursor time", ErrInvalidInput)
	}
	id, err := uuid.Parse(ident)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: cursor id", ErrInvalidInput)
	}
	return at, id, nil
}

// NextChatCursor returns the cursor after the last chat of a page, or "" when
// the page is empty or the last chat has no activity yet.
func NextChatCursor(page []model.Chat) string {
	if len(page) == 0 {
		return ""
	}
	last := page[len(page)-1]
	if last.LastMessageAt == nil {
		return ""
	}
	return encodeCursor(*last.LastMessageAt, last.ID)
}

// ParseChatCursor decodes a chat list cursor. An empty string yields nil.
func ParseChatCursor(s string) (*repo.ChatCursor, error) {
	if s == "" {
		return nil, nil
	}
	at, id, err := decodeCursor(s)
	if err != nil {
		return nil, err
	}
	return &repo.ChatCursor{LastMessageAt: at, ID: id}, nil
}

// NextMessageCursor returns the cursor after the oldest message of a page.
func NextMessageCursor(page []model.Message) string {
	if len(page) == 0 {
		return ""
	}
	last := page[len(page)-1]
	return encodeCursor(last.CreatedAt, last.ID)
}

// ParseMessageCursor decodes a message list cursor. An empty string yields nil.
func ParseMessageCursor(s string) (*repo.MessageCursor, error) {
	if s == "" {
		return nil, nil
	}
	at, id, err := decodeCursor(s)
	if err != nil {
		return nil, err
	}
	return &repo.MessageCursor{CreatedAt: at, ID: id}, nil
}
