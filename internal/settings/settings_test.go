package settings

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/repo/memstore"
)

func TestTelegramBot_BotID(t *testing.T) {
	id, err := TelegramBot{Token: "123456:ABC-def"}.BotID()
	require.NoError(t, err)
	assert.Equal(t, int64(123456), id)

	_, err = TelegramBot{Token: "abc:def"}.BotID()
	assert.ErrorIs(t, err, ErrInvalidBotToken)

	_, err = TelegramBot{}.BotID()
	assert.ErrorIs(t, err, ErrInvalidBotToken)
}

func TestService_TypedReads(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memstore.New().Settings())

	_, ok, err := svc.TelegramOAuth(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "unset oauth settings are not configured")

	require.NoError(t, svc.Put(ctx, KeyTelegramOAuth, json.RawMessage(`{"enabled":true,"bot_token":"42:x"}`)))
	oauth, ok, err := svc.TelegramOAuth(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, oauth.Enabled)
	assert.Equal(t, "42:x", oauth.BotToken)

	require.NoError(t, svc.Put(ctx, KeyTelegramBot, json.RawMessage(`{"token":""}`)))
	_, ok, err = svc.TelegramBot(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty token counts as unset")

	g, err := svc.Greeting(ctx)
	require.NoError(t, err)
	assert.Empty(t, g.Text)
}

func TestService_PutValidates(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memstore.New().Settings())

	err := svc.Put(ctx, KeyTelegramOAuth, json.RawMessage(`{"enabled":"yes"}`))
	assert.ErrorIs(t, err, ErrInvalidValue)

	err = svc.Put(ctx, KeyGreeting, json.RawMessage(`{"txt":"hi"}`))
	assert.ErrorIs(t, err, ErrInvalidValue)

	err = svc.Put(ctx, "custom", json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidValue)

	require.NoError(t, svc.Put(ctx, "custom", json.RawMessage(`{"anything":[1,2]}`)))
	raw, err := svc.Raw(ctx, "custom")
	require.NoError(t, err)
	assert.JSONEq(t, `{"anything":[1,2]}`, string(raw))
}
