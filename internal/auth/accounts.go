package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

// NewAccount is an operator account created by an administrator.
type NewAccount struct {
	TelegramUserID *int64
	Username       string
	Role           model.Role
	IsActive       bool
	// TempPassword, when set, is a one-time password the user must change.
	TempPassword string
}

// AccountPatch changes selected account fields; nil fields are left alone.
type AccountPatch struct {
	Role                 *model.Role
	IsActive             *bool
	TempPassword         *string
	Username             *string
	TelegramUserID       *int64
	TelegramOAuthEnabled *bool
}

// Accounts lists every operator account.
func (g *Gateway) Accounts(ctx context.Context) ([]model.User, error) {
	return g.store.Users().List(ctx)
}

// CreateAccount adds an operator. Without a username the account is named
// after its Telegram id.
func (g *Gateway) CreateAccount(ctx context.Context, ac AuthContext, in NewAccount, meta ClientMeta) (model.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" && in.TelegramUserID != nil {
		username = "user_" + strconv.FormatInt(*in.TelegramUserID, 10)
	}
	if username == "" {
		return model.User{}, fmt.Errorf("%w: username or telegram_user_id required", ErrInvalidInput)
	}
	if in.Role == "" {
		in.Role = model.RoleModerator
	}
	if !in.Role.Valid() {
		return model.User{}, fmt.Errorf("%w: role", ErrInvalidInput)
	}

	u := model.User{
		TelegramUserID: in.TelegramUserID,
		Username:       &username,
		Role:           in.Role,
		IsActive:       in.IsActive,
	}
	if in.TempPassword != "" {
		if len(in.TempPassword) < MinPasswordLength {
			return model.User{}, ErrPasswordTooShort
		}
		hash, err := g.hasher.Hash(in.TempPassword)
		if err != nil {
			return model.User{}, err
		}
		u.PasswordHash = hash
		u.MustChangePassword = true
	}

	err := g.store.WithinTx(ctx, func(tx repo.Repos) error {
		if err := g.checkUnique(ctx, tx, u); err != nil {
			return err
		}
		return tx.Users().Create(ctx, &u)
	})
	if err != nil {
		return model.User{}, err
	}
	g.audit.Record(ctx, audit.ForUser(audit.AccountCreated, ac.User, meta.IP, meta.UserAgent, map[string]any{
		"target_user_id": u.ID.String(),
		"role":           u.Role.String(),
	}))
	return u, nil
}

// UpdateAccount applies p to the account. Role changes, deactivation and
// password resets end every session of the account.
func (g *Gateway) UpdateAccount(ctx context.Context, ac AuthContext, id uuid.UUID, p AccountPatch, meta ClientMeta) (model.User, error) {
	if id == ac.User.ID {
		if (p.Role != nil && *p.Role != ac.User.Role) || (p.IsActive != nil && !*p.IsActive) {
			return model.User{}, ErrSelfModification
		}
	}
	if p.Role != nil && !p.Role.Valid() {
		return model.User{}, fmt.Errorf("%w: role", ErrInvalidInput)
	}
	var newHash string
	if p.TempPassword != nil && *p.TempPassword != "" {
		if len(*p.TempPassword) < MinPasswordLength {
			return model.User{}, ErrPasswordTooShort
		}
		h, err := g.hasher.Hash(*p.TempPassword)
		if err != nil {
			return model.User{}, err
		}
		newHash = h
	}

	var (
		updated model.User
		changed []string
		revoke  bool
	)
	err := g.store.WithinTx(ctx, func(tx repo.Repos) error {
		u, err := tx.Users().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.Username != nil {
			name := strings.TrimSpace(*p.Username)
			if name == "" {
				return fmt.Errorf("%w: username", ErrInvalidInput)
			}
			if u.Username == nil || *u.Username != name {
				u.Username = &name
				changed = append(changed, "username")
			}
		}
		if p.TelegramUserID != nil && (u.TelegramUserID == nil || *u.TelegramUserID != *p.TelegramUserID) {
			tg := *p.TelegramUserID
			u.TelegramUserID = &tg
			changed = append(changed, "telegram_user_id")
		}
		if p.Role != nil && *p.Role != u.Role {
			u.Role = *p.Role
			changed = append(changed, "role")
			revoke = true
		}
		if p.IsActive != nil && *p.IsActive != u.IsActive {
			u.IsActive = *p.IsActive
			changed = append(changed, "is_active")
			revoke = revoke || !u.IsActive
		}
		if p.TelegramOAuthEnabled != nil && *p.TelegramOAuthEnabled != u.TelegramOAuthEnabled {
			u.TelegramOAuthEnabled = *p.TelegramOAuthEnabled
			changed = append(changed, "telegram_oauth_enabled")
		}
		if newHash != "" {
			u.PasswordHash = newHash
			u.MustChangePassword = true
			changed = append(changed, "password")
			revoke = true
		}
		if err := g.checkUnique(ctx, tx, u); err != nil {
			return err
		}
		if err := tx.Users().Update(ctx, u); err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return model.User{}, err
	}

	details := map[string]any{"target_user_id": id.String(), "changed": changed}
	if revoke {
		n, err := g.ledger.RevokeAllForUser(ctx, id)
		if err != nil {
			return model.User{}, err
		}
		details["sessions_revoked"] = n
	}
	g.audit.Record(ctx, audit.ForUser(audit.AccountUpdated, ac.User, meta.IP, meta.UserAgent, details))
	return updated, nil
}

// DeleteAccount removes an account together with its sessions and passkeys.
func (g *Gateway) DeleteAccount(ctx context.Context, ac AuthContext, id uuid.UUID, meta ClientMeta) error {
	if id == ac.User.ID {
		return ErrSelfModification
	}
	if err := g.store.Users().Delete(ctx, id); err != nil {
		return err
	}
	g.audit.Record(ctx, audit.ForUser(audit.AccountDeleted, ac.User, meta.IP, meta.UserAgent,
		map[string]any{"target_user_id": id.String()}))
	return nil
}

// checkUnique reports which identity is taken so callers get a precise code.
// The unique indexes still decide concurrent writes.
func (g *Gateway) checkUnique(ctx context.Context, tx repo.Repos, u model.User) error {
	if u.Username != nil {
		other, err := tx.Users().GetByUsername(ctx, *u.Username)
		if err == nil && other.ID != u.ID {
			return ErrUsernameTaken
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	if u.TelegramUserID != nil {
		other, err := tx.Users().GetByTelegramID(ctx, *u.TelegramUserID)
		if err == nil && other.ID != u.ID {
			return ErrTelegramIDTaken
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	return nil
}
