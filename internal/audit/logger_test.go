package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo/memstore"
)

type failingRepo struct{ calls int }

func (f *failingRepo) Create(context.Context, *model.AuditEntry) error {
	f.calls++
	return errors.New("db down")
}

func (f *failingRepo) ListRecent(context.Context, int) ([]model.AuditEntry, error) {
	return nil, nil
}

func TestLogger_Record(t *testing.T) {
	store := memstore.New()
	l := NewLogger(store.Audit())

	u := model.User{ID: uuid.New(), Role: model.RoleAdministrator}
	l.Record(context.Background(), ForUser(LoginSuccess, u, "10.0.0.1", "ua", map[string]any{"k": "v"}))

	entries, err := store.Audit().ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, LoginSuccess, entries[0].EventType)
	assert.Equal(t, "administrator", entries[0].ActorRole)
	require.NotNil(t, entries[0].ActorUserID)
	assert.Equal(t, u.ID, *entries[0].ActorUserID)
	assert.Equal(t, "10.0.0.1", entries[0].IP)
}

func TestLogger_RecordSurvivesCancelledContext(t *testing.T) {
	store := memstore.New()
	l := NewLogger(store.Audit())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, Event{Type: LoginFailure, Metadata: map[string]any{"username": "x"}})

	assert.Equal(t, []string{LoginFailure}, store.AuditEvents())
}

func TestLogger_FailureIsSwallowed(t *testing.T) {
	r := &failingRepo{}
	l := NewLogger(r)

	assert.NotPanics(t, func() {
		l.Record(context.Background(), Event{Type: SessionRevoked})
	})
	assert.Equal(t, 1, r.calls)
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Record(context.Background(), Event{Type: LoginSuccess}) })
}
