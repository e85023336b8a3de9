package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/settings"
)

// tamper flips one character in the middle of the signature segment, so the
// decoded signature bytes change for certain.
func tamper(token string) string {
	dot := strings.LastIndexByte(token, '.')
	b := []byte(token)
	i := dot + (len(token)-dot)/2
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}

func refreshWith(t *testing.T, s *Stack, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.Server.URL+APIPrefix+"/auth/refresh", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: token})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestPasswordLoginAndRefresh runs: login, me, refresh with a tampered token,
// refresh with the real token, then replay of the rotated-away token.
func TestPasswordLoginAndRefresh(t *testing.T) {
	s := newMemStack(t, "http://127.0.0.1:1")
	u := createUser(t, s, "alice", "correct-horse", model.RoleModerator, nil)
	b := newBrowser(t, s)

	t.Run("A_Login", func(t *testing.T) {
		b.login("alice", "correct-horse")
		assert.NotEmpty(t, b.cookie("access_token", "/"))
		assert.NotEmpty(t, b.cookie("csrf_token", "/"))
		assert.NotEmpty(t, b.cookie("refresh_token", APIPrefix+"/auth/refresh"))
		assert.Empty(t, b.cookie("refresh_token", "/"), "refresh cookie must be scoped to the refresh endpoint")
	})

	t.Run("B_Me", func(t *testing.T) {
		resp := b.do(http.MethodGet, APIPrefix+"/auth/me", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		me := decode[meResponse](t, resp)
		assert.Equal(t, u.ID.String(), me.ID)
		assert.Equal(t, "moderator", me.Role)
		assert.Equal(t, "alice", me.Username)
	})

	original := b.cookie("refresh_token", APIPrefix+"/auth/refresh")
	originalAccess := b.cookie("access_token", "/")

	t.Run("C_TamperedRefresh", func(t *testing.T) {
		resp := refreshWith(t, s, tamper(original))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_token", decode[errorResponse](t, resp).Code)
	})

	t.Run("D_Refresh", func(t *testing.T) {
		resp := b.do(http.MethodPost, APIPrefix+"/auth/refresh", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		access := responseCookie(resp, "access_token")
		refresh := responseCookie(resp, "refresh_token")
		require.NotNil(t, access)
		require.NotNil(t, refresh)
		assert.NotEqual(t, originalAccess, access.Value)
		assert.NotEqual(t, original, refresh.Value)
		assert.Equal(t, APIPrefix+"/auth/refresh", refresh.Path)
		assert.True(t, refresh.HttpOnly)
		assert.NotNil(t, responseCookie(resp, "csrf_token"))

		me := b.do(http.MethodGet, APIPrefix+"/auth/me", nil)
		assert.Equal(t, http.StatusOK, me.StatusCode)
	})

	t.Run("E_ReplayRevokesFamily", func(t *testing.T) {
		resp := refreshWith(t, s, original)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "refresh_replay_detected", decode[errorResponse](t, resp).Code)
		for _, name := range []string{"access_token", "refresh_token", "csrf_token"} {
			c := responseCookie(resp, name)
			require.NotNil(t, c, "%s must be cleared", name)
			assert.Empty(t, c.Value)
			assert.Negative(t, c.MaxAge)
		}

		me := b.do(http.MethodGet, APIPrefix+"/auth/me", nil)
		assert.Equal(t, http.StatusUnauthorized, me.StatusCode, "rotated session must be revoked with its family")
	})
}

func TestLoginRejectsWrongPasswordAndUnknownUserAlike(t *testing.T) {
	s := newMemStack(t, "http://127.0.0.1:1")
	createUser(t, s, "bob", "s3cret-pass", model.RoleModerator, nil)
	b := newBrowser(t, s)

	wrong := b.do(http.MethodPost, APIPrefix+"/auth/login", map[string]string{"username": "bob", "password": "nope"})
	unknown := b.do(http.MethodPost, APIPrefix+"/auth/login", map[string]string{"username": "nobody", "password": "nope"})

	assert.Equal(t, http.StatusUnauthorized, wrong.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, unknown.StatusCode)
	ew := decode[errorResponse](t, wrong)
	eu := decode[errorResponse](t, unknown)
	assert.Equal(t, "invalid_credentials", ew.Code)
	assert.Equal(t, ew, eu)
}

func TestTelegramOAuthRequiresAccountOptIn(t *testing.T) {
	const botToken = "7000001:oauth-bot-secret"
	const tgID int64 = 424242

	s := newMemStack(t, "http://127.0.0.1:1")
	ctx := context.Background()
	require.NoError(t, s.Settings.Put(ctx, settings.KeyTelegramOAuth,
		json.RawMessage(`{"enabled":true,"bot_token":"`+botToken+`"}`)))
	id := tgID
	createUser(t, s, "mod", "moderator-pass", model.RoleModerator, func(u *model.User) {
		u.TelegramUserID = &id
	})

	oauth := func() *http.Response {
		p := auth.SignTelegramPayload(auth.TelegramPayload{
			ID:        tgID,
			FirstName: "Mod",
			AuthDate:  time.Now().Unix(),
		}, botToken)
		return newBrowser(t, s).do(http.MethodPost, APIPrefix+"/auth/telegram/oauth", p)
	}

	t.Run("A_DisabledForAccount", func(t *testing.T) {
		resp := oauth()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "oauth_disabled", decode[errorResponse](t, resp).Code)
		assert.Nil(t, responseCookie(resp, "access_token"))
	})

	t.Run("B_EnableFlag", func(t *testing.T) {
		b := newBrowser(t, s)
		b.login("mod", "moderator-pass")
		resp := b.do(http.MethodPost, APIPrefix+"/auth/telegram-oauth/toggle", map[string]bool{"enabled": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode[map[string]bool](t, resp)["telegram_oauth_enabled"])
	})

	t.Run("C_EnabledForAccount", func(t *testing.T) {
		resp := oauth()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode[map[string]bool](t, resp)["ok"])
		assert.NotNil(t, responseCookie(resp, "access_token"))
		assert.NotNil(t, responseCookie(resp, "refresh_token"))
		assert.NotNil(t, responseCookie(resp, "csrf_token"))
	})

	t.Run("C2_UnmodelledSignedField", func(t *testing.T) {
		now := time.Now().Unix()
		signed := auth.SignTelegramPayload(auth.TelegramPayload{
			ID:        tgID,
			FirstName: "Mod",
			AuthDate:  now,
			Extra:     map[string]string{"allows_write_to_pm": "true"},
		}, botToken)
		resp := newBrowser(t, s).do(http.MethodPost, APIPrefix+"/auth/telegram/oauth", map[string]any{
			"id":                 tgID,
			"first_name":         "Mod",
			"auth_date":          now,
			"allows_write_to_pm": true,
			"hash":               signed.Hash,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotNil(t, responseCookie(resp, "access_token"))
	})

	t.Run("D_StalePayload", func(t *testing.T) {
		p := auth.SignTelegramPayload(auth.TelegramPayload{
			ID:       tgID,
			AuthDate: time.Now().Add(-10 * time.Minute).Unix(),
		}, botToken)
		resp := newBrowser(t, s).do(http.MethodPost, APIPrefix+"/auth/telegram/oauth", p)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_payload", decode[errorResponse](t, resp).Code)
	})
}

func TestCSRFRequiredOnMutations(t *testing.T) {
	s := newMemStack(t, "http://127.0.0.1:1")
	createUser(t, s, "carol", "carol-pass", model.RoleModerator, nil)
	b := newBrowser(t, s)
	b.login("carol", "carol-pass")

	req, err := http.NewRequest(http.MethodPost, s.Server.URL+APIPrefix+"/auth/logout_all", nil)
	require.NoError(t, err)
	resp, err := b.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "csrf_invalid", decode[errorResponse](t, resp).Code)

	ok := b.do(http.MethodPost, APIPrefix+"/auth/logout_all", nil)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestBootstrapAdminMustChangePassword(t *testing.T) {
	s := newMemStack(t, "http://127.0.0.1:1")
	require.NoError(t, s.Gateway.Bootstrap(context.Background(), config.BootstrapConfig{
		Enabled:  true,
		Username: "admin",
		Password: "admin",
	}))
	b := newBrowser(t, s)
	b.login("admin", "admin")

	blocked := b.do(http.MethodGet, APIPrefix+"/chats", nil)
	assert.Equal(t, http.StatusForbidden, blocked.StatusCode)
	assert.Equal(t, "must_change_password", decode[errorResponse](t, blocked).Code)

	me := b.do(http.MethodGet, APIPrefix+"/auth/me", nil)
	require.Equal(t, http.StatusOK, me.StatusCode)
	assert.True(t, decode[meResponse](t, me).MustChangePassword)

	changed := b.do(http.MethodPost, APIPrefix+"/auth/change-password", map[string]string{"new_password": "a-much-better-password"})
	require.Equal(t, http.StatusOK, changed.StatusCode)

	allowed := b.do(http.MethodGet, APIPrefix+"/chats", nil)
	assert.Equal(t, http.StatusOK, allowed.StatusCode)
}

func TestAdministratorRoutesNeedRoleAndStepUp(t *testing.T) {
	s := newMemStack(t, "http://127.0.0.1:1")
	createUser(t, s, "mod", "moderator-pass", model.RoleModerator, nil)
	createUser(t, s, "root", "administrator-pass", model.RoleAdministrator, nil)

	mod := newBrowser(t, s)
	mod.login("mod", "moderator-pass")
	forbidden := mod.do(http.MethodGet, APIPrefix+"/audit", nil)
	assert.Equal(t, http.StatusForbidden, forbidden.StatusCode)

	admin := newBrowser(t, s)
	admin.login("root", "administrator-pass")
	audit := admin.do(http.MethodGet, APIPrefix+"/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, audit.StatusCode)
	entries := decode[[]map[string]any](t, audit)
	assert.NotEmpty(t, entries, "logins are audited")

	// A password login is a fresh factor check.
	create := admin.do(http.MethodPost, APIPrefix+"/broadcasts", map[string]any{"body": "hello everyone"})
	require.Equal(t, http.StatusOK, create.StatusCode)
	assert.Equal(t, "pending", decode[map[string]any](t, create)["status"])

	modCreate := mod.do(http.MethodPost, APIPrefix+"/broadcasts", map[string]any{"body": "hello everyone"})
	assert.Equal(t, http.StatusForbidden, modCreate.StatusCode)
}

func TestAdministratorManagesAccounts(t *testing.T) {
	s := newMemStack(t, "http://127.0.0.1:1")
	createUser(t, s, "root", "administrator-pass", model.RoleAdministrator, nil)
	target := createUser(t, s, "mod", "moderator-pass", model.RoleModerator, nil)

	admin := newBrowser(t, s)
	admin.login("root", "administrator-pass")
	mod := newBrowser(t, s)
	mod.login("mod", "moderator-pass")

	t.Run("A_ModeratorCannotManage", func(t *testing.T) {
		resp := mod.do(http.MethodGet, APIPrefix+"/admins", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("B_ListAndCreate", func(t *testing.T) {
		list := admin.do(http.MethodGet, APIPrefix+"/admins", nil)
		require.Equal(t, http.StatusOK, list.StatusCode)
		assert.Len(t, decode[[]map[string]any](t, list), 2)

		created := admin.do(http.MethodPost, APIPrefix+"/admins", map[string]any{
			"telegram_user_id": 31337,
			"temp_password":    "first-login",
		})
		require.Equal(t, http.StatusOK, created.StatusCode)
		body := decode[map[string]any](t, created)
		assert.Equal(t, "user_31337", body["username"])
		assert.Equal(t, "moderator", body["role"])
		assert.Equal(t, true, body["must_change_password"])

		dup := admin.do(http.MethodPost, APIPrefix+"/admins", map[string]any{"telegram_user_id": 31337, "username": "x"})
		assert.Equal(t, http.StatusConflict, dup.StatusCode)
		assert.Equal(t, "telegram_id_taken", decode[errorResponse](t, dup).Code)
	})

	t.Run("C_RoleChangeInvalidatesOldToken", func(t *testing.T) {
		resp := admin.do(http.MethodPatch, APIPrefix+"/admins/"+target.ID.String(), map[string]any{"role": "administrator"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "administrator", decode[map[string]any](t, resp)["role"])

		me := mod.do(http.MethodGet, APIPrefix+"/auth/me", nil)
		assert.Equal(t, http.StatusUnauthorized, me.StatusCode)
		assert.Equal(t, "role_mismatch", decode[errorResponse](t, me).Code)

		refresh := mod.do(http.MethodPost, APIPrefix+"/auth/refresh", nil)
		assert.Equal(t, http.StatusUnauthorized, refresh.StatusCode)
		assert.Equal(t, "session_revoked", decode[errorResponse](t, refresh).Code)
	})

	t.Run("D_SelfDemotionRefused", func(t *testing.T) {
		me := decode[meResponse](t, admin.do(http.MethodGet, APIPrefix+"/auth/me", nil))
		resp := admin.do(http.MethodPatch, APIPrefix+"/admins/"+me.ID, map[string]any{"role": "moderator"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "self_modification", decode[errorResponse](t, resp).Code)
	})

	t.Run("E_Delete", func(t *testing.T) {
		resp := admin.do(http.MethodDelete, APIPrefix+"/admins/"+target.ID.String(), nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		again := admin.do(http.MethodDelete, APIPrefix+"/admins/"+target.ID.String(), nil)
		assert.Equal(t, http.StatusNotFound, again.StatusCode)
	})
}
