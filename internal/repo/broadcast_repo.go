package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/supportpanel/server/internal/model"
)

// BroadcastRepo persists campaigns and their per-recipient delivery ledger.
type BroadcastRepo interface {
	Create(ctx context.Context, b *model.Broadcast) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Broadcast, error)
	List(ctx context.Context, limit int) ([]model.Broadcast, error)
	// Claim moves a pending campaign to in_progress. ErrNotFound when it is not pending.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (model.Broadcast, error)
	// ClaimNext claims the oldest pending campaign. ErrNotFound when none is waiting.
	ClaimNext(ctx context.Context, now time.Time) (model.Broadcast, error)
	RequeueInProgress(ctx context.Context) (int64, error)
	// RecordDelivery returns false when the recipient was already recorded.
	RecordDelivery(ctx context.Context, broadcastID, chatID uuid.UUID, ok bool) (bool, error)
	DeliveredChatIDs(ctx context.Context, broadcastID uuid.UUID) (map[uuid.UUID]bool, error)
	DeliveryStats(ctx context.Context, broadcastID uuid.UUID) (sent, failed int, err error)
	Complete(ctx context.Context, id uuid.UUID, stats model.BroadcastStats, now time.Time) error
}

type broadcastRepo struct {
	db DBTX
}

// NewBroadcastRepo creates a new BroadcastRepo instance
func NewBroadcastRepo(db DBTX) BroadcastRepo {
	return &broadcastRepo{db: db}
}

const broadcastColumns = `id, title, body, target_statuses, inline_buttons, attachments, status, stats,
	created_by_user_id, created_at, started_at, completed_at`

func scanBroadcast(row interface{ Scan(...any) error }) (model.Broadcast, error) {
	var b model.Broadcast
	var targets pq.StringArray
	var buttons, attachments, stats []byte
	err := row.Scan(
		&b.ID,
		&b.Title,
		&b.Body,
		&targets,
		&buttons,
		&attachments,
		&b.Status,
		&stats,
		&b.CreatedByUserID,
		&b.CreatedAt,
		&b.StartedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return model.Broadcast{}, err
	}
	b.TargetStatuses = []string(targets)
	if err := scanJSON(buttons, &b.InlineButtons); err != nil {
		return model.Broadcast{}, fmt.Errorf("decode inline buttons: %w", err)
	}
	if err := scanJSON(attachments, &b.Attachments); err != nil {
		return model.Broadcast{}, fmt.Errorf("decode attachments: %w", err)
	}
	if err := scanJSON(stats, &b.Stats); err != nil {
		return model.Broadcast{}, fmt.Errorf("decode stats: %w", err)
	}
	return b, nil
}

func (r *broadcastRepo) Create(ctx context.Context, b *model.Broadcast) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if len(b.TargetStatuses) == 0 {
		b.TargetStatuses = []string{"all"}
	}
	if b.Status == "" {
		b.Status = model.BroadcastPending
	}
	buttons, err := jsonValue(b.InlineButtons)
	if err != nil {
		return fmt.Errorf("marshal inline buttons: %w", err)
	}
	attachments, err := jsonValue(b.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	stats, err := json.Marshal(b.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO broadcasts (id, title, body, target_statuses, inline_buttons, attachments, status, stats, created_by_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, b.ID, b.Title, b.Body, pq.StringArray(b.TargetStatuses), buttons, attachments, b.Status, stats, b.CreatedByUserID).
		Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	return nil
}

func (r *broadcastRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Broadcast, error) {
	b, err := scanBroadcast(r.db.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id))
	if err != nil {
		return model.Broadcast{}, notFound(err, "broadcast")
	}
	return b, nil
}

func (r *broadcastRepo) List(ctx context.Context, limit int) ([]model.Broadcast, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+` FROM broadcasts ORDER BY created_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts: %w", err)
	}
	defer rows.Close()

	var out []model.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *broadcastRepo) Claim(ctx context.Context, id uuid.UUID, now time.Time) (model.Broadcast, error) {
	b, err := scanBroadcast(r.db.QueryRowContext(ctx, `
		UPDATE broadcasts SET status = 'in_progress', started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status = 'pending'
		RETURNING `+broadcastColumns, id, now))
	if err != nil {
		return model.Broadcast{}, notFound(err, "pending broadcast")
	}
	return b, nil
}

func (r *broadcastRepo) ClaimNext(ctx context.Context, now time.Time) (model.Broadcast, error) {
	b, err := scanBroadcast(r.db.QueryRowContext(ctx, `
		UPDATE broadcasts SET status = 'in_progress', started_at = COALESCE(started_at, $1)
		WHERE id = (
			SELECT id FROM broadcasts
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+broadcastColumns, now))
	if err != nil {
		return model.Broadcast{}, notFound(err, "pending broadcast")
	}
	return b, nil
}

// RequeueInProgress returns campaigns interrupted by a restart to pending.
func (r *broadcastRepo) RequeueInProgress(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE broadcasts SET status = 'pending' WHERE status = 'in_progress'`)
	if err != nil {
		return 0, fmt.Errorf("requeue broadcasts: %w", err)
	}
	return rowsAffected(res), nil
}

func (r *broadcastRepo) RecordDelivery(ctx context.Context, broadcastID, chatID uuid.UUID, ok bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO broadcast_deliveries (broadcast_id, chat_id, ok) VALUES ($1, $2, $3)
		ON CONFLICT (broadcast_id, chat_id) DO NOTHING
	`, broadcastID, chatID, ok)
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

func (r *broadcastRepo) DeliveredChatIDs(ctx context.Context, broadcastID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chat_id FROM broadcast_deliveries WHERE broadcast_id = $1`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *broadcastRepo) DeliveryStats(ctx context.Context, broadcastID uuid.UUID) (int, int, error) {
	var sent, failed int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE ok), COUNT(*) FILTER (WHERE NOT ok)
		FROM broadcast_deliveries WHERE broadcast_id = $1
	`, broadcastID).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("delivery stats: %w", err)
	}
	return sent, failed, nil
}

func (r *broadcastRepo) Complete(ctx context.Context, id uuid.UUID, stats model.BroadcastStats, now time.Time) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET status = 'completed', stats = $2, completed_at = $3 WHERE id = $1
	`, id, raw, now)
	if err != nil {
		return fmt.Errorf("complete broadcast: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("broadcast: %w", ErrNotFound)
	}
	return nil
}
