package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/model"
)

func TestGateway_CreateAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "root", "secret1", model.RoleAdministrator, nil)
	admin := h.login(t, "root", "secret1")

	tg := int64(5550001)
	u, err := h.gw.CreateAccount(ctx, admin, NewAccount{TelegramUserID: &tg, IsActive: true, TempPassword: "temp-pass"}, testMeta)
	require.NoError(t, err)
	require.NotNil(t, u.Username)
	assert.Equal(t, "user_5550001", *u.Username)
	assert.Equal(t, model.RoleModerator, u.Role)
	assert.True(t, u.MustChangePassword)

	issued, err := h.gw.Login(ctx, "user_5550001", "temp-pass", testMeta)
	require.NoError(t, err)
	assert.True(t, issued.User.MustChangePassword)

	_, err = h.gw.CreateAccount(ctx, admin, NewAccount{TelegramUserID: &tg, Username: "other"}, testMeta)
	assert.ErrorIs(t, err, ErrTelegramIDTaken)
	_, err = h.gw.CreateAccount(ctx, admin, NewAccount{Username: "root"}, testMeta)
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = h.gw.CreateAccount(ctx, admin, NewAccount{}, testMeta)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.gw.CreateAccount(ctx, admin, NewAccount{Username: "x", Role: "owner"}, testMeta)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.gw.CreateAccount(ctx, admin, NewAccount{Username: "y", TempPassword: "123"}, testMeta)
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	assert.Equal(t, 1, countEvents(h.store.AuditEvents(), audit.AccountCreated))
}

func TestGateway_UpdateAccountRoleChangeEndsSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "root", "secret1", model.RoleAdministrator, nil)
	target := h.createUser(t, "mod", "secret1", model.RoleModerator, nil)
	admin := h.login(t, "root", "secret1")

	issued, err := h.gw.Login(ctx, "mod", "secret1", testMeta)
	require.NoError(t, err)

	role := model.RoleAdministrator
	u, err := h.gw.UpdateAccount(ctx, admin, target.ID, AccountPatch{Role: &role}, testMeta)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdministrator, u.Role)

	_, err = h.gw.Authenticate(ctx, issued.AccessToken)
	assert.ErrorIs(t, err, ErrRoleMismatch, "the old token names the old role")
	_, err = h.gw.Refresh(ctx, issued.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	fresh, err := h.gw.Login(ctx, "mod", "secret1", testMeta)
	require.NoError(t, err)
	ac, err := h.gw.Authenticate(ctx, fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdministrator, ac.User.Role)

	assert.Equal(t, 1, countEvents(h.store.AuditEvents(), audit.AccountUpdated))
}

func TestGateway_UpdateAccountDeactivateAndReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "root", "secret1", model.RoleAdministrator, nil)
	target := h.createUser(t, "mod", "secret1", model.RoleModerator, nil)
	admin := h.login(t, "root", "secret1")

	issued, err := h.gw.Login(ctx, "mod", "secret1", testMeta)
	require.NoError(t, err)

	off := false
	_, err = h.gw.UpdateAccount(ctx, admin, target.ID, AccountPatch{IsActive: &off}, testMeta)
	require.NoError(t, err)
	_, err = h.gw.Authenticate(ctx, issued.AccessToken)
	assert.ErrorIs(t, err, ErrUserInactive)
	_, err = h.gw.Login(ctx, "mod", "secret1", testMeta)
	assert.ErrorIs(t, err, ErrUserInactive)

	on := true
	temp := "new-temp-pass"
	u, err := h.gw.UpdateAccount(ctx, admin, target.ID, AccountPatch{IsActive: &on, TempPassword: &temp}, testMeta)
	require.NoError(t, err)
	assert.True(t, u.MustChangePassword)
	_, err = h.gw.Login(ctx, "mod", "secret1", testMeta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.gw.Login(ctx, "mod", "new-temp-pass", testMeta)
	assert.NoError(t, err)
}

func TestGateway_AccountSelfProtection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "root", "secret1", model.RoleAdministrator, nil)
	admin := h.login(t, "root", "secret1")

	demote := model.RoleModerator
	_, err := h.gw.UpdateAccount(ctx, admin, admin.User.ID, AccountPatch{Role: &demote}, testMeta)
	assert.ErrorIs(t, err, ErrSelfModification)
	off := false
	_, err = h.gw.UpdateAccount(ctx, admin, admin.User.ID, AccountPatch{IsActive: &off}, testMeta)
	assert.ErrorIs(t, err, ErrSelfModification)
	assert.ErrorIs(t, h.gw.DeleteAccount(ctx, admin, admin.User.ID, testMeta), ErrSelfModification)

	name := "root2"
	u, err := h.gw.UpdateAccount(ctx, admin, admin.User.ID, AccountPatch{Username: &name}, testMeta)
	require.NoError(t, err)
	assert.Equal(t, "root2", *u.Username)
}

func TestGateway_DeleteAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "root", "secret1", model.RoleAdministrator, nil)
	target := h.createUser(t, "mod", "secret1", model.RoleModerator, nil)
	admin := h.login(t, "root", "secret1")
	issued, err := h.gw.Login(ctx, "mod", "secret1", testMeta)
	require.NoError(t, err)

	require.NoError(t, h.gw.DeleteAccount(ctx, admin, target.ID, testMeta))
	_, err = h.gw.Authenticate(ctx, issued.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	users, err := h.gw.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, countEvents(h.store.AuditEvents(), audit.AccountDeleted))
}
