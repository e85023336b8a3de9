package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
)

// UserRepo defines the interface for operator account persistence
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByUsername(ctx context.Context, username string) (model.User, error)
	GetByTelegramID(ctx context.Context, telegramUserID int64) (model.User, error)
	Create(ctx context.Context, u *model.User) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	UpdateUsername(ctx context.Context, id uuid.UUID, username string) error
	SetTelegramOAuth(ctx context.Context, id uuid.UUID, enabled bool) error
	List(ctx context.Context) ([]model.User, error)
	Update(ctx context.Context, u model.User) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type userRepo struct {
	db DBTX
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db DBTX) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, telegram_user_id, username, password_hash, role, is_active,
	telegram_oauth_enabled, must_change_password, created_at`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var u model.User
	var role string
	err := row.Scan(
		&u.ID,
		&u.TelegramUserID,
		&u.Username,
		&u.PasswordHash,
		&role,
		&u.IsActive,
		&u.TelegramOAuthEnabled,
		&u.MustChangePassword,
		&u.CreatedAt,
	)
	u.Role = model.Role(role)
	return u, err
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return model.User{}, notFound(err, "user")
	}
	return u, nil
}

// GetByUsername retrieves a user by login name
func (r *userRepo) GetByUsername(ctx context.Context, username string) (model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return model.User{}, notFound(err, "user")
	}
	return u, nil
}

// GetByTelegramID retrieves a user by Telegram numeric id
func (r *userRepo) GetByTelegramID(ctx context.Context, telegramUserID int64) (model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_user_id = $1`, telegramUserID))
	if err != nil {
		return model.User{}, notFound(err, "user")
	}
	return u, nil
}

// Create inserts a user and fills in ID and CreatedAt
func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, telegram_user_id, username, password_hash, role, is_active,
			telegram_oauth_enabled, must_change_password)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, u.ID, u.TelegramUserID, u.Username, u.PasswordHash, u.Role.String(), u.IsActive,
		u.TelegramOAuthEnabled, u.MustChangePassword).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user: %w", ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdatePassword stores a new hash and clears the must-change flag
func (r *userRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, must_change_password = FALSE WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}

// UpdateUsername renames a user; the unique index decides races
func (r *userRepo) UpdateUsername(ctx context.Context, id uuid.UUID, username string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET username = $2 WHERE id = $1`, id, username)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update username: %w", ErrConflict)
		}
		return fmt.Errorf("update username: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}

// SetTelegramOAuth toggles direct Telegram login for the account
func (r *userRepo) SetTelegramOAuth(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET telegram_oauth_enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("update telegram oauth flag: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}

// List returns every account, oldest first
func (r *userRepo) List(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Update writes every mutable account column
func (r *userRepo) Update(ctx context.Context, u model.User) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET telegram_user_id = $2, username = $3, password_hash = $4, role = $5,
			is_active = $6, telegram_oauth_enabled = $7, must_change_password = $8
		WHERE id = $1
	`, u.ID, u.TelegramUserID, u.Username, u.PasswordHash, u.Role.String(), u.IsActive,
		u.TelegramOAuthEnabled, u.MustChangePassword)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update user: %w", ErrConflict)
		}
		return fmt.Errorf("update user: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}

// Delete removes the account; sessions, pending logins and passkeys cascade
func (r *userRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}
