package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/supportpanel/server/internal/model"
)

// CredentialRepo persists WebAuthn authenticators
type CredentialRepo interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.WebAuthnCredential, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (model.WebAuthnCredential, error)
	Create(ctx context.Context, c *model.WebAuthnCredential) error
	UpdateUsage(ctx context.Context, id uuid.UUID, signCount uint32, backupState bool, usedAt time.Time) error
	DeleteForUser(ctx context.Context, userID uuid.UUID, credentialID []byte) error
}

type credentialRepo struct {
	db DBTX
}

// NewCredentialRepo creates a new CredentialRepo instance
func NewCredentialRepo(db DBTX) CredentialRepo {
	return &credentialRepo{db: db}
}

const credentialColumns = `id, user_id, credential_id, public_key, sign_count, transports, aaguid,
	attestation_type, backup_eligible, backup_state, created_at, last_used_at`

func scanCredential(row interface{ Scan(...any) error }) (model.WebAuthnCredential, error) {
	var c model.WebAuthnCredential
	var signCount int64
	var transports pq.StringArray
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.CredentialID,
		&c.PublicKey,
		&signCount,
		&transports,
		&c.AAGUID,
		&c.AttestationType,
		&c.BackupEligible,
		&c.BackupState,
		&c.CreatedAt,
		&c.LastUsedAt,
	)
	c.SignCount = uint32(signCount)
	c.Transports = []string(transports)
	return c, err
}

func (r *credentialRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.WebAuthnCredential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM webauthn_credentials WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []model.WebAuthnCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *credentialRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (model.WebAuthnCredential, error) {
	c, err := scanCredential(r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM webauthn_credentials WHERE credential_id = $1
	`, credentialID))
	if err != nil {
		return model.WebAuthnCredential{}, notFound(err, "credential")
	}
	return c, nil
}

func (r *credentialRepo) Create(ctx context.Context, c *model.WebAuthnCredential) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webauthn_credentials (id, user_id, credential_id, public_key, sign_count, transports,
			aaguid, attestation_type, backup_eligible, backup_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, c.ID, c.UserID, c.CredentialID, c.PublicKey, int64(c.SignCount), pq.StringArray(c.Transports),
		c.AAGUID, c.AttestationType, c.BackupEligible, c.BackupState).Scan(&c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert credential: %w", ErrConflict)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// UpdateUsage records a successful assertion. The counter never moves backwards.
func (r *credentialRepo) UpdateUsage(ctx context.Context, id uuid.UUID, signCount uint32, backupState bool, usedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webauthn_credentials
		SET sign_count = GREATEST(sign_count, $2), backup_state = $3, last_used_at = $4
		WHERE id = $1
	`, id, int64(signCount), backupState, usedAt)
	if err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("credential: %w", ErrNotFound)
	}
	return nil
}

func (r *credentialRepo) DeleteForUser(ctx context.Context, userID uuid.UUID, credentialID []byte) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM webauthn_credentials WHERE user_id = $1 AND credential_id = $2
	`, userID, credentialID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("credential: %w", ErrNotFound)
	}
	return nil
}
