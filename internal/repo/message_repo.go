package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/supportpanel/server/internal/model"
)

// MessageCursor is the keyset position after the last returned message.
type MessageCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// MessageRepo persists conversation turns and their attachments
type MessageRepo interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, chatID, id uuid.UUID) (model.Message, error)
	GetByTelegramID(ctx context.Context, chatID uuid.UUID, telegramMessageID int64) (model.Message, error)
	ListByChat(ctx context.Context, chatID uuid.UUID, cursor *MessageCursor, limit int) ([]model.Message, error)
	UpdateText(ctx context.Context, id uuid.UUID, text *string, editedAt time.Time) error
	SetTelegramMessageID(ctx context.Context, id uuid.UUID, telegramMessageID int64) error
	Delete(ctx context.Context, chatID, id uuid.UUID) error
}

type messageRepo struct {
	db DBTX
}

// NewMessageRepo creates a new MessageRepo instance
func NewMessageRepo(db DBTX) MessageRepo {
	return &messageRepo{db: db}
}

const messageColumns = `id, chat_id, direction, type, text, telegram_message_id, reply_to_telegram_message_id,
	telegram_media_group_id, is_edited, edited_at, sent_by_user_id, inline_buttons,
	forward_from_name, forward_from_username, forward_date, created_at`

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var m model.Message
	var direction, typ string
	var buttons []byte
	err := row.Scan(
		&m.ID,
		&m.ChatID,
		&direction,
		&typ,
		&m.Text,
		&m.TelegramMessageID,
		&m.ReplyToTelegramMessageID,
		&m.TelegramMediaGroupID,
		&m.IsEdited,
		&m.EditedAt,
		&m.SentByUserID,
		&buttons,
		&m.ForwardFromName,
		&m.ForwardFromUsername,
		&m.ForwardDate,
		&m.CreatedAt,
	)
	if err != nil {
		return model.Message{}, err
	}
	m.Direction = model.Direction(direction)
	m.Type = model.MessageType(typ)
	if err := scanJSON(buttons, &m.InlineButtons); err != nil {
		return model.Message{}, fmt.Errorf("decode inline buttons: %w", err)
	}
	return m, nil
}

// Create inserts the message and its attachments, filling in generated ids and timestamps
func (r *messageRepo) Create(ctx context.Context, m *model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	buttons, err := jsonValue(m.InlineButtons)
	if err != nil {
		return fmt.Errorf("marshal inline buttons: %w", err)
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, direction, type, text, telegram_message_id, reply_to_telegram_message_id,
			telegram_media_group_id, sent_by_user_id, inline_buttons, forward_from_name, forward_from_username, forward_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`, m.ID, m.ChatID, string(m.Direction), string(m.Type), m.Text, m.TelegramMessageID, m.ReplyToTelegramMessageID,
		m.TelegramMediaGroupID, m.SentByUserID, buttons, m.ForwardFromName, m.ForwardFromUsername, m.ForwardDate).
		Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for i := range m.Attachments {
		a := &m.Attachments[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.MessageID = m.ID
		meta, err := jsonValue(a.Meta)
		if err != nil {
			return fmt.Errorf("marshal attachment meta: %w", err)
		}
		err = r.db.QueryRowContext(ctx, `
			INSERT INTO attachments (id, message_id, telegram_file_id, local_path, url, mime, name, size, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at
		`, a.ID, a.MessageID, a.TelegramFileID, a.LocalPath, a.URL, a.Mime, a.Name, a.Size, meta).Scan(&a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	return nil
}

func (r *messageRepo) GetByID(ctx context.Context, chatID, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1 AND chat_id = $2
	`, id, chatID))
	if err != nil {
		return model.Message{}, notFound(err, "message")
	}
	msgs := []model.Message{m}
	if err := r.loadAttachments(ctx, msgs); err != nil {
		return model.Message{}, err
	}
	return msgs[0], nil
}

func (r *messageRepo) GetByTelegramID(ctx context.Context, chatID uuid.UUID, telegramMessageID int64) (model.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1 AND telegram_message_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, chatID, telegramMessageID))
	if err != nil {
		return model.Message{}, notFound(err, "message")
	}
	msgs := []model.Message{m}
	if err := r.loadAttachments(ctx, msgs); err != nil {
		return model.Message{}, err
	}
	return msgs[0], nil
}

// ListByChat returns newest messages first
func (r *messageRepo) ListByChat(ctx context.Context, chatID uuid.UUID, cursor *MessageCursor, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1`
	args := []any{chatID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadAttachments(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) loadAttachments(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	index := make(map[uuid.UUID]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID.String()
		index[m.ID] = i
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, telegram_file_id, local_path, url, mime, name, size, meta, created_at
		FROM attachments
		WHERE message_id = ANY($1::uuid[])
		ORDER BY created_at, id
	`, pq.StringArray(ids))
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Attachment
		var meta []byte
		if err := rows.Scan(&a.ID, &a.MessageID, &a.TelegramFileID, &a.LocalPath, &a.URL, &a.Mime, &a.Name, &a.Size, &meta, &a.CreatedAt); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		if err := scanJSON(meta, &a.Meta); err != nil {
			return fmt.Errorf("decode attachment meta: %w", err)
		}
		if i, ok := index[a.MessageID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
	return rows.Err()
}

func (r *messageRepo) UpdateText(ctx context.Context, id uuid.UUID, text *string, editedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET text = $2, is_edited = TRUE, edited_at = $3 WHERE id = $1
	`, id, text, editedAt)
	if err != nil {
		return fmt.Errorf("update message text: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("message: %w", ErrNotFound)
	}
	return nil
}

func (r *messageRepo) SetTelegramMessageID(ctx context.Context, id uuid.UUID, telegramMessageID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET telegram_message_id = $2 WHERE id = $1`, id, telegramMessageID)
	if err != nil {
		return fmt.Errorf("set telegram message id: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("message: %w", ErrNotFound)
	}
	return nil
}

func (r *messageRepo) Delete(ctx context.Context, chatID, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND chat_id = $2`, id, chatID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("message: %w", ErrNotFound)
	}
	return nil
}
