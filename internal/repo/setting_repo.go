package repo

import (
	"context"
	"encoding/json"
	"fmt"
)

// SettingRepo is a JSON key-value store for runtime settings.
type SettingRepo interface {
	// Get returns the raw JSON value, or ErrNotFound.
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
}

type settingRepo struct {
	db DBTX
}

// NewSettingRepo creates a new SettingRepo instance
func NewSettingRepo(db DBTX) SettingRepo {
	return &settingRepo{db: db}
}

func (r *settingRepo) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		return nil, notFound(err, "setting")
	}
	return json.RawMessage(raw), nil
}

func (r *settingRepo) Put(ctx context.Context, key string, value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("{}")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = now()
	`, key, []byte(value))
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}
