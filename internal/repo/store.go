package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("conflict")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repos groups every repository bound to the same connection or transaction.
type Repos interface {
	Users() UserRepo
	Sessions() SessionRepo
	PendingLogins() PendingLoginRepo
	Credentials() CredentialRepo
	Audit() AuditRepo
	Chats() ChatRepo
	Messages() MessageRepo
	Settings() SettingRepo
	Templates() TemplateRepo
	Broadcasts() BroadcastRepo
}

// Store is the persistence entry point. WithinTx runs fn against repositories
// bound to a single transaction, committing when fn returns nil.
type Store interface {
	Repos
	WithinTx(ctx context.Context, fn func(Repos) error) error
}

type sqlRepos struct {
	q DBTX
}

func (r sqlRepos) Users() UserRepo                 { return &userRepo{db: r.q} }
func (r sqlRepos) Sessions() SessionRepo           { return &sessionRepo{db: r.q} }
func (r sqlRepos) PendingLogins() PendingLoginRepo { return &pendingLoginRepo{db: r.q} }
func (r sqlRepos) Credentials() CredentialRepo     { return &credentialRepo{db: r.q} }
func (r sqlRepos) Audit() AuditRepo                { return &auditRepo{db: r.q} }
func (r sqlRepos) Chats() ChatRepo                 { return &chatRepo{db: r.q} }
func (r sqlRepos) Messages() MessageRepo           { return &messageRepo{db: r.q} }
func (r sqlRepos) Settings() SettingRepo           { return &settingRepo{db: r.q} }
func (r sqlRepos) Templates() TemplateRepo         { return &templateRepo{db: r.q} }
func (r sqlRepos) Broadcasts() BroadcastRepo       { return &broadcastRepo{db: r.q} }

type sqlStore struct {
	sqlRepos
	db *sql.DB
}

// NewStore creates a Store over a PostgreSQL connection pool.
func NewStore(db *sql.DB) Store {
	return &sqlStore{sqlRepos: sqlRepos{q: db}, db: db}
}

func (s *sqlStore) WithinTx(ctx context.Context, fn func(Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqlRepos{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// jsonValue marshals v for a JSONB parameter; nil slices and maps become SQL NULL.
func jsonValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func scanJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
