package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/challenge"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/passkey"
	"github.com/supportpanel/server/internal/repo"
	"github.com/supportpanel/server/internal/settings"
)

// PendingLoginTTL bounds the window between Telegram proof and the second factor.
const PendingLoginTTL = 2 * time.Minute

// AuthContext is the authenticated caller of a request.
type AuthContext struct {
	User    model.User
	Session model.Session
	Claims  *Claims
}

// Gateway orchestrates every authentication flow
type Gateway struct {
	store      repo.Store
	ledger     *Ledger
	tokens     *TokenCodec
	hasher     PasswordHasher
	audit      audit.Recorder
	settings   *settings.Service
	challenges challenge.Store
	passkeys   passkey.Ceremonies
	now        func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewGateway creates the auth gateway
func NewGateway(
	store repo.Store,
	tokens *TokenCodec,
	hasher PasswordHasher,
	rec audit.Recorder,
	settingsSvc *settings.Service,
	challenges challenge.Store,
	passkeys passkey.Ceremonies,
) *Gateway {
	return &Gateway{
		store:      store,
		ledger:     NewLedger(store, tokens, rec),
		tokens:     tokens,
		hasher:     hasher,
		audit:      rec,
		settings:   settingsSvc,
		challenges: challenges,
		passkeys:   passkeys,
		now:        time.Now,
	}
}

// Tokens exposes the codec for the realtime handshake.
func (g *Gateway) Tokens() *TokenCodec { return g.tokens }

// Login checks a username and password and opens a new session family.
// Unknown users and wrong passwords are indistinguishable to the caller.
func (g *Gateway) Login(ctx context.Context, username, password string, meta ClientMeta) (IssuedSession, error) {
	m := globalMetrics()
	u, err := g.store.Users().GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return IssuedSession{}, err
	}
	if err != nil || !g.hasher.Compare(u.PasswordHash, password) {
		if err != nil {
			// Spend the same time as a real comparison.
			g.hasher.Compare(g.dummy(), password)
		}
		m.logins.WithLabelValues(model.MFAPassword, "invalid_credentials").Inc()
		g.audit.Record(ctx, audit.Event{Type: audit.LoginFailure, IP: meta.IP, UserAgent: meta.UserAgent,
			Metadata: map[string]any{"username": username}})
		return IssuedSession{}, ErrInvalidCredentials
	}
	if !u.IsActive {
		m.logins.WithLabelValues(model.MFAPassword, "inactive").Inc()
		g.audit.Record(ctx, audit.ForUser(audit.LoginFailure, u, meta.IP, meta.UserAgent, map[string]any{"reason": "inactive"}))
		return IssuedSession{}, ErrUserInactive
	}

	issued, err := g.ledger.CreateSession(ctx, u, meta, model.MFAPassword)
	if err != nil {
		return IssuedSession{}, err
	}
	m.logins.WithLabelValues(model.MFAPassword, "ok").Inc()
	g.audit.Record(ctx, audit.ForUser(audit.LoginSuccess, u, meta.IP, meta.UserAgent, nil))
	return issued, nil
}

func (g *Gateway) dummy() string {
	g.dummyOnce.Do(func() {
		h, err := g.hasher.Hash("timing-equalizer")
		if err != nil {
			log.Printf("auth: dummy hash: %v", err)
		}
		g.dummyHash = h
	})
	return g.dummyHash
}

// Register creates an active moderator with Telegram sign-in enabled and logs it in.
func (g *Gateway) Register(ctx context.Context, username, password string, meta ClientMeta) (IssuedSession, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return IssuedSession{}, fmt.Errorf("%w: username required", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return IssuedSession{}, ErrPasswordTooShort
	}
	hash, err := g.hasher.Hash(password)
	if err != nil {
		return IssuedSession{}, err
	}
	u := model.User{
		Username:             &username,
		PasswordHash:         hash,
		Role:                 model.RoleModerator,
		IsActive:             true,
		TelegramOAuthEnabled: true,
	}
	if err := g.store.Users().Create(ctx, &u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return IssuedSession{}, ErrUsernameTaken
		}
		return IssuedSession{}, err
	}

	issued, err := g.ledger.CreateSession(ctx, u, meta, model.MFAPassword)
	if err != nil {
		return IssuedSession{}, err
	}
	g.audit.Record(ctx, audit.ForUser(audit.RegisterSuccess, u, meta.IP, meta.UserAgent, nil))
	return issued, nil
}

// VerifyTelegram proves Telegram identity with the support bot's token and
// opens a PendingLogin. It never issues a session by itself.
func (g *Gateway) VerifyTelegram(ctx context.Context, p TelegramPayload, meta ClientMeta) (model.PendingLogin, error) {
	bot, ok, err := g.settings.TelegramBot(ctx)
	if err != nil {
		return model.PendingLogin{}, err
	}
	if !ok {
		return model.PendingLogin{}, ErrBotNotConfigured
	}
	if !VerifyTelegramPayload(p, bot.Token, g.now()) {
		globalMetrics().logins.WithLabelValues("telegram", "invalid_payload").Inc()
		g.audit.Record(ctx, audit.Event{Type: audit.TelegramLoginFailure, IP: meta.IP, UserAgent: meta.UserAgent,
			Metadata: map[string]any{"telegram_id": p.ID}})
		return model.PendingLogin{}, ErrInvalidTelegramPayload
	}

	u, err := g.upsertTelegramUser(ctx, p.ID)
	if err != nil {
		return model.PendingLogin{}, err
	}
	if !u.IsActive {
		g.audit.Record(ctx, audit.ForUser(audit.TelegramLoginFailure, u, meta.IP, meta.UserAgent, map[string]any{"reason": "inactive"}))
		return model.PendingLogin{}, ErrUserInactive
	}

	pending := model.PendingLogin{
		ID:        uuid.New(),
		UserID:    u.ID,
		ExpiresAt: g.now().Add(PendingLoginTTL),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	if err := g.store.PendingLogins().Create(ctx, &pending); err != nil {
		return model.PendingLogin{}, fmt.Errorf("create pending login: %w", err)
	}
	g.audit.Record(ctx, audit.ForUser(audit.TelegramLoginSuccess, u, meta.IP, meta.UserAgent, map[string]any{
		"pending_login_id": pending.ID.String(),
	}))
	return pending, nil
}

func (g *Gateway) upsertTelegramUser(ctx context.Context, telegramID int64) (model.User, error) {
	u, err := g.store.Users().GetByTelegramID(ctx, telegramID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return model.User{}, err
	}
	tgID := telegramID
	u = model.User{TelegramUserID: &tgID, Role: model.RoleModerator, IsActive: true}
	if err := g.store.Users().Create(ctx, &u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return g.store.Users().GetByTelegramID(ctx, telegramID)
		}
		return model.User{}, err
	}
	return u, nil
}

// TelegramOAuth is the direct trust path: a verified payload for an existing,
// active account that opted in gets a session without a second factor.
func (g *Gateway) TelegramOAuth(ctx context.Context, p TelegramPayload, meta ClientMeta) (IssuedSession, error) {
	m := globalMetrics()
	cfg, ok, err := g.settings.TelegramOAuth(ctx)
	if err != nil {
		return IssuedSession{}, err
	}
	switch {
	case !ok:
		return IssuedSession{}, ErrOAuthNotConfigured
	case !cfg.Enabled:
		return IssuedSession{}, ErrOAuthGloballyDisabled
	case cfg.BotToken == "":
		return IssuedSession{}, ErrBotNotConfigured
	}

	failure := func(u *model.User, reason string, err error) (IssuedSession, error) {
		m.logins.WithLabelValues(model.MFATelegramOAuth, reason).Inc()
		meta2 := map[string]any{"telegram_id": p.ID}
		if reason != "" {
			meta2["reason"] = reason
		}
		ev := audit.Event{Type: audit.TelegramOAuthFailure, IP: meta.IP, UserAgent: meta.UserAgent, Metadata: meta2}
		if u != nil {
			ev = audit.ForUser(audit.TelegramOAuthFailure, *u, meta.IP, meta.UserAgent, meta2)
		}
		g.audit.Record(ctx, ev)
		return IssuedSession{}, err
	}

	if !VerifyTelegramPayload(p, cfg.BotToken, g.now()) {
		return failure(nil, "invalid_payload", ErrInvalidTelegramPayload)
	}
	u, err := g.store.Users().GetByTelegramID(ctx, p.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return failure(nil, "not_found", ErrTelegramUserNotFound)
	}
	if err != nil {
		return IssuedSession{}, err
	}
	if !u.IsActive {
		return failure(&u, "inactive", ErrUserInactive)
	}
	if !u.TelegramOAuthEnabled {
		return failure(&u, "oauth_disabled", ErrOAuthDisabled)
	}

	issued, err := g.ledger.CreateSession(ctx, u, meta, model.MFATelegramOAuth)
	if err != nil {
		return IssuedSession{}, err
	}
	m.logins.WithLabelValues(model.MFATelegramOAuth, "ok").Inc()
	g.audit.Record(ctx, audit.ForUser(audit.TelegramOAuthSuccess, u, meta.IP, meta.UserAgent, nil))
	return issued, nil
}

// BotID returns the numeric id of the support bot for the login widget.
func (g *Gateway) BotID(ctx context.Context) (int64, error) {
	bot, ok, err := g.settings.TelegramBot(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrBotNotConfigured
	}
	id, err := bot.BotID()
	if err != nil {
		return 0, ErrBotNotConfigured
	}
	return id, nil
}

// Refresh rotates the refresh token; see Ledger.Rotate.
func (g *Gateway) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (IssuedSession, error) {
	if refreshToken == "" {
		return IssuedSession{}, fmt.Errorf("%w: missing refresh token", ErrInvalidToken)
	}
	return g.ledger.Rotate(ctx, refreshToken, meta)
}

// Logout revokes the session behind an access token. It is idempotent and
// never fails on a bad or already revoked token.
func (g *Gateway) Logout(ctx context.Context, accessToken string, meta ClientMeta) {
	if accessToken == "" {
		return
	}
	claims, err := g.tokens.Decode(accessToken, TokenAccess)
	if err != nil {
		return
	}
	sid, _ := claims.Session()
	sess, err := g.store.Sessions().GetByID(ctx, sid)
	if err != nil || !sess.Live() {
		return
	}
	if err := g.ledger.Revoke(ctx, sid); err != nil {
		log.Printf("auth: logout %s: %v", sid, err)
		return
	}
	uid, _ := claims.UserID()
	role, _ := model.ParseRole(claims.Role)
	g.audit.Record(ctx, audit.Event{Type: audit.SessionRevoked, UserID: &uid, Role: role, IP: meta.IP,
		UserAgent: meta.UserAgent, Metadata: map[string]any{"session_id": sid.String()}})
}

// LogoutAll revokes every session of the caller.
func (g *Gateway) LogoutAll(ctx context.Context, ac AuthContext, meta ClientMeta) error {
	n, err := g.ledger.RevokeAllForUser(ctx, ac.User.ID)
	if err != nil {
		return err
	}
	g.audit.Record(ctx, audit.ForUser(audit.LogoutAll, ac.User, meta.IP, meta.UserAgent, map[string]any{"revoked": n}))
	return nil
}

// Authenticate resolves an access token into the caller, checking the user,
// the session and that the token's role is still the user's role.
func (g *Gateway) Authenticate(ctx context.Context, accessToken string) (AuthContext, error) {
	if accessToken == "" {
		return AuthContext{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	claims, err := g.tokens.Decode(accessToken, TokenAccess)
	if err != nil {
		return AuthContext{}, err
	}
	uid, _ := claims.UserID()
	sid, _ := claims.Session()

	u, err := g.store.Users().GetByID(ctx, uid)
	if errors.Is(err, repo.ErrNotFound) {
		return AuthContext{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	if err != nil {
		return AuthContext{}, err
	}
	if !u.IsActive {
		return AuthContext{}, ErrUserInactive
	}
	if u.Role.String() != claims.Role {
		return AuthContext{}, ErrRoleMismatch
	}
	sess, err := g.store.Sessions().GetByID(ctx, sid)
	if errors.Is(err, repo.ErrNotFound) {
		return AuthContext{}, ErrSessionRevoked
	}
	if err != nil {
		return AuthContext{}, err
	}
	if !sess.Live() {
		return AuthContext{}, ErrSessionRevoked
	}
	if sess.UserID != u.ID {
		return AuthContext{}, fmt.Errorf("%w: session owner", ErrInvalidToken)
	}
	if u.Role != sess.Role {
		return AuthContext{}, ErrRoleMismatch
	}
	return AuthContext{User: u, Session: sess, Claims: claims}, nil
}

// ChangeCredentials is the input of ChangeCredentials.
type ChangeCredentials struct {
	OldPassword string
	NewPassword string
	NewUsername string
}

// ChangeCredentials updates the password and/or username. The old password
// is required unless the account is flagged must_change_password.
func (g *Gateway) ChangeCredentials(ctx context.Context, ac AuthContext, req ChangeCredentials, meta ClientMeta) error {
	newUsername := strings.TrimSpace(req.NewUsername)
	changeUsername := newUsername != "" && (ac.User.Username == nil || *ac.User.Username != newUsername)
	if req.NewPassword == "" && !changeUsername {
		if newUsername != "" {
			return nil
		}
		return fmt.Errorf("%w: nothing to change", ErrInvalidInput)
	}

	var newHash string
	if req.NewPassword != "" {
		if len(req.NewPassword) < MinPasswordLength {
			return ErrPasswordTooShort
		}
		if !ac.User.MustChangePassword && !g.hasher.Compare(ac.User.PasswordHash, req.OldPassword) {
			return ErrInvalidPassword
		}
		h, err := g.hasher.Hash(req.NewPassword)
		if err != nil {
			return err
		}
		newHash = h
	}

	err := g.store.WithinTx(ctx, func(tx repo.Repos) error {
		if newHash != "" {
			if err := tx.Users().UpdatePassword(ctx, ac.User.ID, newHash); err != nil {
				return err
			}
		}
		if changeUsername {
			if err := tx.Users().UpdateUsername(ctx, ac.User.ID, newUsername); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					return ErrUsernameTaken
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if newHash != "" {
		g.audit.Record(ctx, audit.ForUser(audit.PasswordChanged, ac.User, meta.IP, meta.UserAgent, nil))
	}
	if changeUsername {
		g.audit.Record(ctx, audit.ForUser(audit.UsernameChanged, ac.User, meta.IP, meta.UserAgent,
			map[string]any{"new_username": newUsername}))
	}
	return nil
}

// SetTelegramOAuth toggles direct Telegram sign-in for the caller.
func (g *Gateway) SetTelegramOAuth(ctx context.Context, ac AuthContext, enabled bool, meta ClientMeta) error {
	if err := g.store.Users().SetTelegramOAuth(ctx, ac.User.ID, enabled); err != nil {
		return err
	}
	g.audit.Record(ctx, audit.ForUser(audit.TelegramOAuthToggled, ac.User, meta.IP, meta.UserAgent,
		map[string]any{"enabled": enabled}))
	return nil
}

// Passkeys lists the caller's registered credentials.
func (g *Gateway) Passkeys(ctx context.Context, userID uuid.UUID) ([]model.WebAuthnCredential, error) {
	return g.store.Credentials().ListByUser(ctx, userID)
}

// Bootstrap creates the first administrator when it does not exist yet.
func (g *Gateway) Bootstrap(ctx context.Context, cfg config.BootstrapConfig) error {
	if !cfg.Enabled || cfg.Username == "" {
		return nil
	}
	_, err := g.store.Users().GetByUsername(ctx, cfg.Username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("bootstrap lookup: %w", err)
	}
	hash, err := g.hasher.Hash(cfg.Password)
	if err != nil {
		return err
	}
	username := cfg.Username
	u := model.User{
		Username:           &username,
		PasswordHash:       hash,
		Role:               model.RoleAdministrator,
		IsActive:           true,
		MustChangePassword: true,
	}
	if err := g.store.Users().Create(ctx, &u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil
		}
		return fmt.Errorf("bootstrap create: %w", err)
	}
	log.Printf("auth: created bootstrap administrator %q, password change required on first login", username)
	g.audit.Record(ctx, audit.ForUser(audit.BootstrapAdminCreated, u, "", "", nil))
	return nil
}
