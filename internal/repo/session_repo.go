package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
)

// SessionRepo defines the interface for the session ledger
type SessionRepo interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Session, error)
	// Rotate swaps the stored refresh hash only if it still equals oldHash and
	// the session is live. It reports whether the swap happened.
	Rotate(ctx context.Context, id uuid.UUID, oldHash, newHash string, now time.Time) (bool, error)
	Revoke(ctx context.Context, id uuid.UUID, now time.Time) error
	RevokeFamily(ctx context.Context, familyID uuid.UUID, now time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
}

type sessionRepo struct {
	db DBTX
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(db DBTX) SessionRepo {
	return &sessionRepo{db: db}
}

// Create inserts a new session row; ID and FamilyID are chosen by the caller
func (r *sessionRepo) Create(ctx context.Context, s *model.Session) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, user_id, role, family_id, refresh_hash, mfa_level, ip, user_agent, device_id, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING created_at, last_used_at
	`, s.ID, s.UserID, s.Role.String(), s.FamilyID, s.RefreshHash, s.MFALevel, s.IP, s.UserAgent, s.DeviceID, s.CreatedAt).
		Scan(&s.CreatedAt, &s.LastUsedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID returns the session whether or not it is revoked
func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var s model.Session
	var role string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, role, family_id, refresh_hash, mfa_level, ip, user_agent, device_id,
			created_at, last_used_at, revoked_at
		FROM sessions
		WHERE id = $1
	`, id).Scan(
		&s.ID,
		&s.UserID,
		&role,
		&s.FamilyID,
		&s.RefreshHash,
		&s.MFALevel,
		&s.IP,
		&s.UserAgent,
		&s.DeviceID,
		&s.CreatedAt,
		&s.LastUsedAt,
		&s.RevokedAt,
	)
	if err != nil {
		return model.Session{}, notFound(err, "session")
	}
	s.Role = model.Role(role)
	return s, nil
}

// Rotate performs a compare-and-swap on refresh_hash
func (r *sessionRepo) Rotate(ctx context.Context, id uuid.UUID, oldHash, newHash string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET refresh_hash = $3, last_used_at = $4
		WHERE id = $1 AND refresh_hash = $2 AND revoked_at IS NULL
	`, id, oldHash, newHash, now)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

// Revoke sets revoked_at for the session; already revoked sessions are left as they are
func (r *sessionRepo) Revoke(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL
	`, id, now)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeFamily revokes every live session descending from one login (replay response)
func (r *sessionRepo) RevokeFamily(ctx context.Context, familyID uuid.UUID, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = $2 WHERE family_id = $1 AND revoked_at IS NULL
	`, familyID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke session family: %w", err)
	}
	return rowsAffected(res), nil
}

// RevokeAllForUser revokes all live sessions for a user
func (r *sessionRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions for user: %w", err)
	}
	return rowsAffected(res), nil
}
