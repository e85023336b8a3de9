package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
)

// AuditRepo is append-only: there is no update or delete.
type AuditRepo interface {
	Create(ctx context.Context, e *model.AuditEntry) error
	ListRecent(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

type auditRepo struct {
	db DBTX
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db DBTX) AuditRepo {
	return &auditRepo{db: db}
}

func (r *auditRepo) Create(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta, err := jsonValue(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if meta == nil {
		meta = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_user_id, actor_role, event_type, ip, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.ActorUserID, e.ActorRole, e.EventType, e.IP, e.UserAgent, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor_user_id, actor_role, event_type, ip, user_agent, metadata, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.ActorRole, &e.EventType, &e.IP, &e.UserAgent, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := scanJSON(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
