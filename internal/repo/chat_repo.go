package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/supportpanel/server/internal/model"
)

// Chat list tabs understood by ChatRepo.List.
const (
	TabNew         = "new"
	TabActive      = "active"
	TabClosed      = "closed"
	TabEscalated   = "escalated"
	TabTransferred = "transferred"
	TabUnanswered  = "unanswered"
)

// ChatCursor is the keyset position after the last returned row.
type ChatCursor struct {
	LastMessageAt time.Time
	ID            uuid.UUID
}

// ChatFilter narrows ChatRepo.List
type ChatFilter struct {
	Tab          string
	Search       string
	MessagesOnly bool
	Cursor       *ChatCursor
	Limit        int
}

// ChatRepo persists tickets
type ChatRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Chat, error)
	GetByTgID(ctx context.Context, tgID int64) (model.Chat, error)
	// LockByID and LockByTgID read the row with FOR UPDATE; use them inside WithinTx.
	LockByID(ctx context.Context, id uuid.UUID) (model.Chat, error)
	LockByTgID(ctx context.Context, tgID int64) (model.Chat, error)
	Create(ctx context.Context, c *model.Chat) error
	Update(ctx context.Context, c *model.Chat) error
	TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, f ChatFilter) ([]model.Chat, error)
	ListByStatuses(ctx context.Context, statuses []model.ChatStatus) ([]model.Chat, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type chatRepo struct {
	db DBTX
}

// NewChatRepo creates a new ChatRepo instance
func NewChatRepo(db DBTX) ChatRepo {
	return &chatRepo{db: db}
}

const chatColumns = `c.id, c.tg_id, c.tg_username, c.first_name, c.last_name, c.language_code, c.photo_url,
	c.status, c.unread_count, c.last_message_at, c.autoreply_sent, c.assigned_user_id,
	c.escalated_to_user_id, c.note, c.created_at`

func chatDest(c *model.Chat, status *string) []any {
	return []any{
		&c.ID,
		&c.TgID,
		&c.TgUsername,
		&c.FirstName,
		&c.LastName,
		&c.LanguageCode,
		&c.PhotoURL,
		status,
		&c.UnreadCount,
		&c.LastMessageAt,
		&c.AutoreplySent,
		&c.AssignedUserID,
		&c.EscalatedToUserID,
		&c.Note,
		&c.CreatedAt,
	}
}

func (r *chatRepo) getOne(ctx context.Context, query string, arg any) (model.Chat, error) {
	var c model.Chat
	var status string
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(chatDest(&c, &status)...); err != nil {
		return model.Chat{}, notFound(err, "chat")
	}
	c.Status = model.ChatStatus(status)
	return c, nil
}

func (r *chatRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Chat, error) {
	return r.getOne(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = $1`, id)
}

func (r *chatRepo) GetByTgID(ctx context.Context, tgID int64) (model.Chat, error) {
	return r.getOne(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.tg_id = $1`, tgID)
}

func (r *chatRepo) LockByID(ctx context.Context, id uuid.UUID) (model.Chat, error) {
	return r.getOne(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = $1 FOR UPDATE`, id)
}

func (r *chatRepo) LockByTgID(ctx context.Context, tgID int64) (model.Chat, error) {
	return r.getOne(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.tg_id = $1 FOR UPDATE`, tgID)
}

func (r *chatRepo) Create(ctx context.Context, c *model.Chat) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO chats (id, tg_id, tg_username, first_name, last_name, language_code, photo_url,
			status, unread_count, last_message_at, autoreply_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, c.ID, c.TgID, c.TgUsername, c.FirstName, c.LastName, c.LanguageCode, c.PhotoURL,
		string(c.Status), c.UnreadCount, c.LastMessageAt, c.AutoreplySent).Scan(&c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert chat: %w", ErrConflict)
		}
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// Update writes every mutable column of c
func (r *chatRepo) Update(ctx context.Context, c *model.Chat) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chats SET
			tg_username = $2, first_name = $3, last_name = $4, language_code = $5, photo_url = $6,
			status = $7, unread_count = $8, last_message_at = $9, autoreply_sent = $10,
			assigned_user_id = $11, escalated_to_user_id = $12, note = $13
		WHERE id = $1
	`, c.ID, c.TgUsername, c.FirstName, c.LastName, c.LanguageCode, c.PhotoURL,
		string(c.Status), c.UnreadCount, c.LastMessageAt, c.AutoreplySent,
		c.AssignedUserID, c.EscalatedToUserID, c.Note)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("chat: %w", ErrNotFound)
	}
	return nil
}

func (r *chatRepo) TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chats SET last_message_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// List returns chats newest-activity first using keyset pagination
func (r *chatRepo) List(ctx context.Context, f ChatFilter) ([]model.Chat, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	switch f.Tab {
	case TabNew:
		where = append(where, "c.status = "+arg(string(model.ChatNew)))
	case TabActive:
		where = append(where, "c.status = "+arg(string(model.ChatActive)))
	case TabClosed:
		where = append(where, "c.status = "+arg(string(model.ChatClosed)))
	case TabEscalated, TabTransferred:
		where = append(where, "c.status = "+arg(string(model.ChatEscalated)))
	case TabUnanswered:
		where = append(where, "c.unread_count > 0")
	}

	if search := strings.TrimSpace(f.Search); search != "" {
		like := arg("%" + escapeLike(search) + "%")
		messageMatch := "EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = c.id AND m.text ILIKE " + like + ")"
		if f.MessagesOnly {
			where = append(where, messageMatch)
		} else {
			ors := []string{
				"c.tg_username ILIKE " + like,
				"c.first_name ILIKE " + like,
				"c.last_name ILIKE " + like,
				messageMatch,
			}
			if tgID, err := strconv.ParseInt(search, 10, 64); err == nil {
				ors = append(ors, "c.tg_id = "+arg(tgID))
			}
			if id, err := uuid.Parse(search); err == nil {
				ors = append(ors, "c.id = "+arg(id))
			}
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		}
	}

	if f.Cursor != nil {
		where = append(where, "(c.last_message_at, c.id) < ("+arg(f.Cursor.LastMessageAt)+", "+arg(f.Cursor.ID)+")")
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}

	query := `SELECT ` + chatColumns + `,
		(SELECT COALESCE(m.text, m.type) FROM messages m WHERE m.chat_id = c.id ORDER BY m.created_at DESC LIMIT 1)
		FROM chats c`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC LIMIT " + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []model.Chat
	for rows.Next() {
		var c model.Chat
		var status string
		dest := append(chatDest(&c, &status), &c.LastMessagePreview)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.Status = model.ChatStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListByStatuses returns every chat in one of statuses, or all chats when statuses is empty
func (r *chatRepo) ListByStatuses(ctx context.Context, statuses []model.ChatStatus) ([]model.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats c`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` WHERE c.status = ANY($1)`
		args = append(args, pq.StringArray(names))
	}
	query += ` ORDER BY c.created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats by status: %w", err)
	}
	defer rows.Close()

	var out []model.Chat
	for rows.Next() {
		var c model.Chat
		var status string
		if err := rows.Scan(chatDest(&c, &status)...); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.Status = model.ChatStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes a chat; messages and attachments cascade
func (r *chatRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("chat: %w", ErrNotFound)
	}
	return nil
}
