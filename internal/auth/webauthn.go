package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/challenge"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/passkey"
	"github.com/supportpanel/server/internal/repo"
)

// ceremony is what the challenge store keeps between options and verify.
type ceremony struct {
	UserID  uuid.UUID       `json:"user_id"`
	Session json.RawMessage `json:"session"`
}

func (g *Gateway) putCeremony(ctx context.Context, key string, userID uuid.UUID, session []byte) error {
	raw, err := json.Marshal(ceremony{UserID: userID, Session: session})
	if err != nil {
		return err
	}
	if err := g.challenges.Put(ctx, key, raw, challenge.TTL); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

// popCeremony removes the ceremony so it can never be verified twice.
func (g *Gateway) popCeremony(ctx context.Context, key string) (ceremony, error) {
	raw, err := g.challenges.Pop(ctx, key)
	if errors.Is(err, challenge.ErrNotFound) {
		return ceremony{}, ErrChallengeExpired
	}
	if err != nil {
		return ceremony{}, fmt.Errorf("load challenge: %w", err)
	}
	var c ceremony
	if err := json.Unmarshal(raw, &c); err != nil {
		return ceremony{}, ErrChallengeExpired
	}
	return c, nil
}

// loadPending returns a pending login that is neither consumed nor expired.
func (g *Gateway) loadPending(ctx context.Context, pendingID string) (model.PendingLogin, error) {
	id, err := uuid.Parse(pendingID)
	if err != nil {
		return model.PendingLogin{}, fmt.Errorf("%w: pending_login_id", ErrInvalidInput)
	}
	p, err := g.store.PendingLogins().GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return model.PendingLogin{}, ErrPendingLoginInvalid
	}
	if err != nil {
		return model.PendingLogin{}, err
	}
	if p.ConsumedAt != nil || !g.now().Before(p.ExpiresAt) {
		return model.PendingLogin{}, ErrPendingLoginInvalid
	}
	return p, nil
}

// ConsumePendingLogin marks a pending login used. Only the first call
// before expiry succeeds.
func (g *Gateway) ConsumePendingLogin(ctx context.Context, id uuid.UUID) error {
	ok, err := g.store.PendingLogins().Consume(ctx, id, g.now())
	if err != nil {
		return fmt.Errorf("consume pending login: %w", err)
	}
	if !ok {
		return ErrPendingLoginInvalid
	}
	return nil
}

func (g *Gateway) activeUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := g.store.Users().GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return model.User{}, ErrPendingLoginInvalid
	}
	if err != nil {
		return model.User{}, err
	}
	if !u.IsActive {
		return model.User{}, ErrUserInactive
	}
	return u, nil
}

// BeginPendingAuthentication issues assertion options for the second factor
// of a Telegram login. hasCredentials is false when the user must enroll first.
func (g *Gateway) BeginPendingAuthentication(ctx context.Context, pendingID string) (options any, hasCredentials bool, err error) {
	p, err := g.loadPending(ctx, pendingID)
	if err != nil {
		return nil, false, err
	}
	u, err := g.activeUser(ctx, p.UserID)
	if err != nil {
		return nil, false, err
	}
	return g.beginAssertion(ctx, u, challenge.AuthKey(p.ID.String()))
}

// CompletePendingAuthentication verifies the assertion, consumes the pending
// login and opens a new session family.
func (g *Gateway) CompletePendingAuthentication(ctx context.Context, pendingID string, body []byte, meta ClientMeta) (IssuedSession, error) {
	p, err := g.loadPending(ctx, pendingID)
	if err != nil {
		return IssuedSession{}, err
	}
	c, err := g.popCeremony(ctx, challenge.AuthKey(p.ID.String()))
	if err != nil {
		return IssuedSession{}, err
	}
	if c.UserID != p.UserID {
		return IssuedSession{}, ErrChallengeExpired
	}
	u, err := g.activeUser(ctx, p.UserID)
	if err != nil {
		return IssuedSession{}, err
	}
	if err := g.verifyAssertion(ctx, u, c, body, meta, "login"); err != nil {
		return IssuedSession{}, err
	}
	if err := g.ConsumePendingLogin(ctx, p.ID); err != nil {
		return IssuedSession{}, err
	}

	issued, err := g.ledger.CreateSession(ctx, u, meta, model.MFAWebAuthn)
	if err != nil {
		return IssuedSession{}, err
	}
	g.audit.Record(ctx, audit.ForUser(audit.MFAWebAuthnSuccess, u, meta.IP, meta.UserAgent, map[string]any{
		"session_id": issued.Session.ID.String(),
	}))
	return issued, nil
}

// BeginStepUp issues assertion options for re-verifying the caller.
func (g *Gateway) BeginStepUp(ctx context.Context, ac AuthContext) (options any, hasCredentials bool, err error) {
	return g.beginAssertion(ctx, ac.User, challenge.StepUpKey(ac.User.ID.String()))
}

// CompleteStepUp verifies the assertion and returns a new access token for
// the same session with mfa_at set to now.
func (g *Gateway) CompleteStepUp(ctx context.Context, ac AuthContext, body []byte, meta ClientMeta) (string, error) {
	c, err := g.popCeremony(ctx, challenge.StepUpKey(ac.User.ID.String()))
	if err != nil {
		return "", err
	}
	if c.UserID != ac.User.ID {
		return "", ErrChallengeExpired
	}
	if err := g.verifyAssertion(ctx, ac.User, c, body, meta, "stepup"); err != nil {
		return "", err
	}
	access, err := g.ledger.ReissueAccess(ac.User, ac.Session, model.MFAWebAuthn)
	if err != nil {
		return "", err
	}
	g.audit.Record(ctx, audit.ForUser(audit.MFAWebAuthnSuccess, ac.User, meta.IP, meta.UserAgent, map[string]any{
		"stepup":     true,
		"session_id": ac.Session.ID.String(),
	}))
	return access, nil
}

func (g *Gateway) beginAssertion(ctx context.Context, u model.User, key string) (any, bool, error) {
	creds, err := g.store.Credentials().ListByUser(ctx, u.ID)
	if err != nil {
		return nil, false, err
	}
	if len(creds) == 0 {
		return nil, false, nil
	}
	options, session, err := g.passkeys.BeginLogin(u, creds)
	if err != nil {
		return nil, true, err
	}
	if err := g.putCeremony(ctx, key, u.ID, session); err != nil {
		return nil, true, err
	}
	return options, true, nil
}

// verifyAssertion checks a WebAuthn assertion for u and records the new
// counter. A counter that did not advance fails as a possible clone.
func (g *Gateway) verifyAssertion(ctx context.Context, u model.User, c ceremony, body []byte, meta ClientMeta, flow string) error {
	m := globalMetrics()
	fail := func(reason string, err error) error {
		m.stepUps.WithLabelValues(flow, reason).Inc()
		g.audit.Record(ctx, audit.ForUser(audit.MFAWebAuthnFailure, u, meta.IP, meta.UserAgent, map[string]any{
			"reason": reason,
			"flow":   flow,
		}))
		return err
	}

	credID, err := passkey.ParseCredentialID(body)
	if err != nil {
		return fail("bad_response", fmt.Errorf("%w: %v", ErrWebAuthnFailed, err))
	}
	cred, err := g.store.Credentials().GetByCredentialID(ctx, credID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && cred.UserID != u.ID) {
		return fail("credential_not_found", ErrCredentialNotFound)
	}
	if err != nil {
		return err
	}
	creds, err := g.store.Credentials().ListByUser(ctx, u.ID)
	if err != nil {
		return err
	}

	assertion, err := g.passkeys.FinishLogin(u, creds, c.Session, body)
	if err != nil {
		return fail("verification_failed", fmt.Errorf("%w: %v", ErrWebAuthnFailed, err))
	}
	if assertion.CloneWarning {
		return fail("clone_warning", ErrSignCountRegression)
	}
	if err := g.store.Credentials().UpdateUsage(ctx, cred.ID, assertion.SignCount, assertion.BackupState, g.now()); err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	m.stepUps.WithLabelValues(flow, "ok").Inc()
	return nil
}

// registrant resolves who is enrolling a credential. A pending login may
// only enroll the user's first credential; everyone else needs a fresh step-up.
func (g *Gateway) registrant(ctx context.Context, pendingID string, ac *AuthContext) (model.User, *model.PendingLogin, error) {
	if pendingID != "" {
		p, err := g.loadPending(ctx, pendingID)
		if err != nil {
			return model.User{}, nil, err
		}
		u, err := g.activeUser(ctx, p.UserID)
		if err != nil {
			return model.User{}, nil, err
		}
		creds, err := g.store.Credentials().ListByUser(ctx, u.ID)
		if err != nil {
			return model.User{}, nil, err
		}
		if len(creds) == 0 {
			return u, &p, nil
		}
	}
	if ac == nil || !IsFresh(ac.Claims, g.now(), StepUpMaxAge) {
		return model.User{}, nil, ErrStepUpRequired
	}
	return ac.User, nil, nil
}

// BeginRegistration issues credential creation options.
func (g *Gateway) BeginRegistration(ctx context.Context, pendingID string, ac *AuthContext) (any, error) {
	u, _, err := g.registrant(ctx, pendingID, ac)
	if err != nil {
		return nil, err
	}
	creds, err := g.store.Credentials().ListByUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	options, session, err := g.passkeys.BeginRegistration(u, creds)
	if err != nil {
		return nil, err
	}
	if err := g.putCeremony(ctx, challenge.RegisterKey(u.ID.String()), u.ID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// CompleteRegistration stores the new credential. When enrolling from a
// pending login it also consumes the pending login and returns a session.
func (g *Gateway) CompleteRegistration(ctx context.Context, pendingID string, ac *AuthContext, body []byte, meta ClientMeta) (*IssuedSession, error) {
	u, pending, err := g.registrant(ctx, pendingID, ac)
	if err != nil {
		return nil, err
	}
	c, err := g.popCeremony(ctx, challenge.RegisterKey(u.ID.String()))
	if err != nil {
		return nil, err
	}
	if c.UserID != u.ID {
		return nil, ErrChallengeExpired
	}
	creds, err := g.store.Credentials().ListByUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	cred, err := g.passkeys.FinishRegistration(u, creds, c.Session, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebAuthnFailed, err)
	}
	cred.UserID = u.ID
	if err := g.store.Credentials().Create(ctx, &cred); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, fmt.Errorf("%w: credential already registered", ErrWebAuthnFailed)
		}
		return nil, err
	}
	g.audit.Record(ctx, audit.ForUser(audit.WebAuthnRegistered, u, meta.IP, meta.UserAgent, map[string]any{
		"credential_id": passkey.EncodeCredentialID(cred.CredentialID),
	}))

	if pending == nil {
		return nil, nil
	}
	if err := g.ConsumePendingLogin(ctx, pending.ID); err != nil {
		return nil, err
	}
	issued, err := g.ledger.CreateSession(ctx, u, meta, model.MFAWebAuthn)
	if err != nil {
		return nil, err
	}
	return &issued, nil
}

// DeleteCredential removes one of the caller's credentials; it requires a fresh step-up.
func (g *Gateway) DeleteCredential(ctx context.Context, ac AuthContext, credentialID []byte, meta ClientMeta) error {
	if !IsFresh(ac.Claims, g.now(), StepUpMaxAge) {
		return ErrStepUpRequired
	}
	if err := g.store.Credentials().DeleteForUser(ctx, ac.User.ID, credentialID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrCredentialNotFound
		}
		return err
	}
	g.audit.Record(ctx, audit.ForUser(audit.WebAuthnDeleted, ac.User, meta.IP, meta.UserAgent, map[string]any{
		"credential_id": passkey.EncodeCredentialID(credentialID),
	}))
	return nil
}
