package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/model"
)

func TestLedger_RotateIsSingleUseAndRevokesFamily(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.createUser(t, "alice", "secret1", model.RoleModerator, nil)
	ledger := h.gw.ledger

	first, err := ledger.CreateSession(ctx, u, testMeta, model.MFAPassword)
	require.NoError(t, err)

	// A second device derived from the same login chain shares the family.
	sibling := model.Session{
		ID:          uuid.New(),
		UserID:      u.ID,
		Role:        u.Role,
		FamilyID:    first.Session.FamilyID,
		RefreshHash: HashToken("sibling"),
		MFALevel:    model.MFAPassword,
	}
	require.NoError(t, h.store.Sessions().Create(ctx, &sibling))

	// An independent login gets its own family and must survive.
	other, err := ledger.CreateSession(ctx, u, testMeta, model.MFAPassword)
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.FamilyID, other.Session.FamilyID)

	rotated, err := ledger.Rotate(ctx, first.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, rotated.Session.ID, "rotation keeps the session id")
	assert.Equal(t, first.Session.FamilyID, rotated.Session.FamilyID, "rotation keeps the family id")
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)

	_, err = ledger.Rotate(ctx, first.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrReplayDetected)

	for _, id := range []uuid.UUID{first.Session.ID, sibling.ID} {
		s, err := h.store.Sessions().GetByID(ctx, id)
		require.NoError(t, err)
		assert.False(t, s.Live(), "session %s of the replayed family must be revoked", id)
	}
	s, err := h.store.Sessions().GetByID(ctx, other.Session.ID)
	require.NoError(t, err)
	assert.True(t, s.Live(), "other families are untouched")

	_, err = ledger.Rotate(ctx, rotated.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrSessionRevoked, "the current token dies with its family")

	assert.Contains(t, h.store.AuditEvents(), audit.RefreshReplayDetected)
}

func TestLedger_RotateRejectsAccessToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.createUser(t, "bob", "secret1", model.RoleModerator, nil)

	issued, err := h.gw.ledger.CreateSession(ctx, u, testMeta, model.MFAPassword)
	require.NoError(t, err)

	_, err = h.gw.ledger.Rotate(ctx, issued.AccessToken, testMeta)
	assert.ErrorIs(t, err, ErrInvalidToken)

	s, err := h.store.Sessions().GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.True(t, s.Live(), "a malformed presentation is not a replay")
}

func TestLedger_RotateInactiveUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.createUser(t, "carol", "secret1", model.RoleModerator, nil)
	issued, err := h.gw.ledger.CreateSession(ctx, u, testMeta, model.MFAPassword)
	require.NoError(t, err)

	inactive := model.User{ID: uuid.New(), Role: model.RoleModerator, IsActive: false}
	require.NoError(t, h.store.Users().Create(ctx, &inactive))
	sess, err := h.gw.ledger.CreateSession(ctx, inactive, testMeta, model.MFAPassword)
	require.NoError(t, err)

	_, err = h.gw.ledger.Rotate(ctx, sess.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrUserInactive)

	_, err = h.gw.ledger.Rotate(ctx, issued.RefreshToken, testMeta)
	assert.NoError(t, err)
}

func TestLedger_RotateKeepsFactorTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.createUser(t, "dave", "secret1", model.RoleModerator, nil)
	loginAt := h.clock.Now()

	issued, err := h.gw.ledger.CreateSession(ctx, u, testMeta, model.MFAWebAuthn)
	require.NoError(t, err)

	h.clock.Advance(8 * time.Minute)
	rotated, err := h.gw.ledger.Rotate(ctx, issued.RefreshToken, testMeta)
	require.NoError(t, err)

	claims, err := h.gw.tokens.Decode(rotated.AccessToken, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, loginAt.Unix(), claims.MFAAt, "refresh must not renew step-up freshness")
	assert.Equal(t, model.MFAWebAuthn, claims.MFALevel)
	assert.False(t, IsFresh(claims, h.clock.Now(), StepUpMaxAge))
}

func TestLedger_ConcurrentRotationHasOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.createUser(t, "erin", "secret1", model.RoleModerator, nil)
	issued, err := h.gw.ledger.CreateSession(ctx, u, testMeta, model.MFAPassword)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.gw.ledger.Rotate(ctx, issued.RefreshToken, testMeta)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrReplayDetected) || errors.Is(err, ErrSessionRevoked), "unexpected error %v", err)
	}
	assert.LessOrEqual(t, ok, 1)

	s, err := h.store.Sessions().GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.False(t, s.Live(), "racing the same token is a replay")
}

func TestLedger_RevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.createUser(t, "frank", "secret1", model.RoleModerator, nil)
	issued, err := h.gw.ledger.CreateSession(ctx, u, testMeta, model.MFAPassword)
	require.NoError(t, err)

	require.NoError(t, h.gw.ledger.Revoke(ctx, issued.Session.ID))
	require.NoError(t, h.gw.ledger.Revoke(ctx, issued.Session.ID))
	require.NoError(t, h.gw.ledger.Revoke(ctx, uuid.New()))

	n, err := h.gw.ledger.RevokeAllForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
