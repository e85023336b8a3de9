package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

// ClientMeta describes the client a session is issued to.
type ClientMeta struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// IssuedSession is a stored session together with its fresh tokens.
type IssuedSession struct {
	Session      model.Session
	User         model.User
	AccessToken  string
	RefreshToken string
}

// Ledger records sessions, rotates refresh tokens and revokes families
type Ledger struct {
	store  repo.Repos
	tokens *TokenCodec
	audit  audit.Recorder
	now    func() time.Time
}

// NewLedger creates a session ledger
func NewLedger(store repo.Repos, tokens *TokenCodec, rec audit.Recorder) *Ledger {
	return &Ledger{store: store, tokens: tokens, audit: rec, now: time.Now}
}

// CreateSession starts a new family for an independent login.
func (l *Ledger) CreateSession(ctx context.Context, u model.User, meta ClientMeta, mfaLevel string) (IssuedSession, error) {
	now := l.now()
	sess := model.Session{
		ID:        uuid.New(),
		UserID:    u.ID,
		Role:      u.Role,
		FamilyID:  uuid.New(),
		MFALevel:  mfaLevel,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		DeviceID:  meta.DeviceID,
		CreatedAt: now,
	}
	refresh, err := l.tokens.IssueRefresh(u.ID, sess.ID, sess.FamilyID, mfaLevel, now)
	if err != nil {
		return IssuedSession{}, err
	}
	access, err := l.tokens.IssueAccess(u.ID, u.Role, sess.ID, mfaLevel, now)
	if err != nil {
		return IssuedSession{}, err
	}
	sess.RefreshHash = HashToken(refresh)
	if err := l.store.Sessions().Create(ctx, &sess); err != nil {
		return IssuedSession{}, fmt.Errorf("create session: %w", err)
	}

	l.audit.Record(ctx, audit.ForUser(audit.SessionCreated, u, meta.IP, meta.UserAgent, map[string]any{
		"session_id": sess.ID.String(),
		"mfa_level":  mfaLevel,
	}))
	return IssuedSession{Session: sess, User: u, AccessToken: access, RefreshToken: refresh}, nil
}

// Rotate exchanges a refresh token for a new pair on the same session.
// Presenting a token that was already rotated away revokes the whole family
// and returns ErrReplayDetected.
func (l *Ledger) Rotate(ctx context.Context, refreshToken string, meta ClientMeta) (IssuedSession, error) {
	m := globalMetrics()
	fail := func(reason string, u *model.User, err error) (IssuedSession, error) {
		m.refreshes.WithLabelValues(reason).Inc()
		ev := audit.Event{Type: audit.SessionRefreshFailure, IP: meta.IP, UserAgent: meta.UserAgent,
			Metadata: map[string]any{"reason": reason}}
		if u != nil {
			ev = audit.ForUser(audit.SessionRefreshFailure, *u, meta.IP, meta.UserAgent, ev.Metadata)
		}
		l.audit.Record(ctx, ev)
		return IssuedSession{}, err
	}

	claims, err := l.tokens.Decode(refreshToken, TokenRefresh)
	if err != nil {
		return fail("invalid_token", nil, err)
	}
	sid, _ := claims.Session()
	uid, _ := claims.UserID()

	sess, err := l.store.Sessions().GetByID(ctx, sid)
	if errors.Is(err, repo.ErrNotFound) {
		return fail("session_not_found", nil, ErrSessionRevoked)
	}
	if err != nil {
		return IssuedSession{}, err
	}
	if sess.UserID != uid {
		return fail("subject_mismatch", nil, ErrInvalidToken)
	}

	u, err := l.store.Users().GetByID(ctx, uid)
	if errors.Is(err, repo.ErrNotFound) {
		return fail("user_not_found", nil, ErrInvalidToken)
	}
	if err != nil {
		return IssuedSession{}, err
	}
	if !sess.Live() {
		return fail("session_revoked", &u, ErrSessionRevoked)
	}
	if !u.IsActive {
		return fail("user_inactive", &u, ErrUserInactive)
	}
	if !TokenMatches(sess.RefreshHash, refreshToken) {
		return l.replay(ctx, u, sess, meta)
	}
	if sess.Role != u.Role {
		_ = l.store.Sessions().Revoke(ctx, sess.ID, l.now())
		return fail("role_mismatch", &u, ErrRoleMismatch)
	}

	var mfaAt time.Time
	if claims.MFAAt != 0 {
		mfaAt = time.Unix(claims.MFAAt, 0)
	}
	mfaLevel := claims.MFALevel
	if mfaLevel == "" {
		mfaLevel = sess.MFALevel
	}

	now := l.now()
	newRefresh, err := l.tokens.IssueRefresh(u.ID, sess.ID, sess.FamilyID, mfaLevel, mfaAt)
	if err != nil {
		return IssuedSession{}, err
	}
	newHash := HashToken(newRefresh)
	swapped, err := l.store.Sessions().Rotate(ctx, sess.ID, sess.RefreshHash, newHash, now)
	if err != nil {
		return IssuedSession{}, fmt.Errorf("rotate session: %w", err)
	}
	if !swapped {
		// Another request rotated the same token first.
		return l.replay(ctx, u, sess, meta)
	}
	access, err := l.tokens.IssueAccess(u.ID, u.Role, sess.ID, mfaLevel, mfaAt)
	if err != nil {
		return IssuedSession{}, err
	}

	sess.RefreshHash = newHash
	sess.LastUsedAt = now
	m.refreshes.WithLabelValues("ok").Inc()
	l.audit.Record(ctx, audit.ForUser(audit.SessionRefreshed, u, meta.IP, meta.UserAgent, map[string]any{
		"session_id": sess.ID.String(),
	}))
	return IssuedSession{Session: sess, User: u, AccessToken: access, RefreshToken: newRefresh}, nil
}

func (l *Ledger) replay(ctx context.Context, u model.User, sess model.Session, meta ClientMeta) (IssuedSession, error) {
	m := globalMetrics()
	m.refreshes.WithLabelValues("replay").Inc()
	m.replays.Inc()
	l.audit.Record(ctx, audit.ForUser(audit.RefreshReplayDetected, u, meta.IP, meta.UserAgent, map[string]any{
		"session_id": sess.ID.String(),
		"family_id":  sess.FamilyID.String(),
	}))
	if _, err := l.RevokeFamily(ctx, sess.FamilyID); err != nil {
		return IssuedSession{}, fmt.Errorf("%w (family revocation failed: %v)", ErrReplayDetected, err)
	}
	return IssuedSession{}, ErrReplayDetected
}

// RevokeFamily revokes every session descending from one login.
func (l *Ledger) RevokeFamily(ctx context.Context, familyID uuid.UUID) (int64, error) {
	n, err := l.store.Sessions().RevokeFamily(ctx, familyID, l.now())
	if err != nil {
		return 0, fmt.Errorf("revoke family: %w", err)
	}
	return n, nil
}

// Revoke ends one session; revoking an already revoked session is a no-op.
func (l *Ledger) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	if err := l.store.Sessions().Revoke(ctx, sessionID, l.now()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser ends every session of the user.
func (l *Ledger) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := l.store.Sessions().RevokeAllForUser(ctx, userID, l.now())
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return n, nil
}

// ReissueAccess mints a new access token for an existing session after a
// successful step-up, stamping mfa_at with now.
func (l *Ledger) ReissueAccess(u model.User, sess model.Session, mfaLevel string) (string, error) {
	return l.tokens.IssueAccess(u.ID, u.Role, sess.ID, mfaLevel, l.now())
}
