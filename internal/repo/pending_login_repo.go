package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
)

// PendingLoginRepo persists the short-lived state between Telegram proof and session issuance
type PendingLoginRepo interface {
	Create(ctx context.Context, p *model.PendingLogin) error
	GetByID(ctx context.Context, id uuid.UUID) (model.PendingLogin, error)
	// Consume marks the pending login used. It reports false when the row was
	// already consumed or expired at now.
	Consume(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type pendingLoginRepo struct {
	db DBTX
}

// NewPendingLoginRepo creates a new PendingLoginRepo instance
func NewPendingLoginRepo(db DBTX) PendingLoginRepo {
	return &pendingLoginRepo{db: db}
}

func (r *pendingLoginRepo) Create(ctx context.Context, p *model.PendingLogin) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO pending_logins (id, user_id, expires_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, p.ID, p.UserID, p.ExpiresAt, p.IP, p.UserAgent).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending login: %w", err)
	}
	return nil
}

func (r *pendingLoginRepo) GetByID(ctx context.Context, id uuid.UUID) (model.PendingLogin, error) {
	var p model.PendingLogin
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, consumed_at, ip, user_agent, created_at
		FROM pending_logins
		WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.ExpiresAt, &p.ConsumedAt, &p.IP, &p.UserAgent, &p.CreatedAt)
	if err != nil {
		return model.PendingLogin{}, notFound(err, "pending login")
	}
	return p, nil
}

func (r *pendingLoginRepo) Consume(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_logins
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND expires_at > $2
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("consume pending login: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

func (r *pendingLoginRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_logins WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired pending logins: %w", err)
	}
	return rowsAffected(res), nil
}
