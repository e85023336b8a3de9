package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/model"
)

// TemplateRepo persists canned replies
type TemplateRepo interface {
	List(ctx context.Context) ([]model.Template, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Template, error)
	Create(ctx context.Context, t *model.Template) error
	Update(ctx context.Context, t *model.Template) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type templateRepo struct {
	db DBTX
}

// NewTemplateRepo creates a new TemplateRepo instance
func NewTemplateRepo(db DBTX) TemplateRepo {
	return &templateRepo{db: db}
}

func (r *templateRepo) List(ctx context.Context) ([]model.Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, body, created_at, updated_at FROM templates ORDER BY title, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.Title, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *templateRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Template, error) {
	var t model.Template
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, body, created_at, updated_at FROM templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Title, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return model.Template{}, notFound(err, "template")
	}
	return t, nil
}

func (r *templateRepo) Create(ctx context.Context, t *model.Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO templates (id, title, body) VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, t.ID, t.Title, t.Body).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (r *templateRepo) Update(ctx context.Context, t *model.Template) error {
	err := r.db.QueryRowContext(ctx, `
		UPDATE templates SET title = $2, body = $3, updated_at = now() WHERE id = $1
		RETURNING created_at, updated_at
	`, t.ID, t.Title, t.Body).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return notFound(err, "template")
	}
	return nil
}

func (r *templateRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("template: %w", ErrNotFound)
	}
	return nil
}
