package passkey

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/model"
)

func TestFilterTransports(t *testing.T) {
	got := FilterTransports([]string{"usb", "cable", "internal", "", "hybrid", "smart-card", "carrier-pigeon"})
	assert.Equal(t, []string{"usb", "internal", "hybrid", "smart-card"}, got)
	assert.Empty(t, FilterTransports(nil))
}

func TestParseCredentialID(t *testing.T) {
	raw := []byte{0x01, 0xfe, 0x7f, 0x80, 0x00}
	enc := EncodeCredentialID(raw)

	t.Run("prefers rawId", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"id": "ignored", "rawId": enc})
		got, err := ParseCredentialID(body)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("falls back to id", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"id": enc})
		got, err := ParseCredentialID(body)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("accepts padding", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"rawId": enc + "=="})
		got, err := ParseCredentialID(body)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ParseCredentialID([]byte(`{}`))
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseCredentialID([]byte(`not json`))
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})
}

func TestUserAdapter(t *testing.T) {
	name := "alice"
	u := model.User{ID: uuid.New(), Username: &name}
	creds := []model.WebAuthnCredential{{
		CredentialID:   []byte("cred-1"),
		PublicKey:      []byte("pk"),
		SignCount:      7,
		Transports:     []string{"usb", "bogus"},
		BackupEligible: true,
		BackupState:    true,
	}}

	wu := newUser(u, creds)
	assert.Equal(t, u.ID[:], wu.WebAuthnID())
	assert.Equal(t, "alice", wu.WebAuthnName())

	lib := wu.WebAuthnCredentials()
	require.Len(t, lib, 1)
	assert.Equal(t, []byte("cred-1"), lib[0].ID)
	assert.Equal(t, uint32(7), lib[0].Authenticator.SignCount)
	assert.True(t, lib[0].Flags.BackupEligible)
	assert.True(t, lib[0].Flags.BackupState)
	require.Len(t, lib[0].Transport, 1)
	assert.Equal(t, "usb", string(lib[0].Transport[0]))

	anon := newUser(model.User{ID: u.ID}, nil)
	assert.Equal(t, u.ID.String(), anon.WebAuthnName())
}

func TestBeginLogin_SessionRoundTrip(t *testing.T) {
	rp, err := New(config.WebAuthnConfig{RPID: "localhost", RPName: "Support", Origins: []string{"http://localhost:3000"}})
	require.NoError(t, err)

	u := model.User{ID: uuid.New()}
	creds := []model.WebAuthnCredential{{CredentialID: []byte("cred-1"), PublicKey: []byte("pk")}}

	opts, session, err := rp.BeginLogin(u, creds)
	require.NoError(t, err)
	require.NotNil(t, opts)

	var decoded struct {
		Challenge string   `json:"challenge"`
		Allowed   [][]byte `json:"allowed_credentials"`
	}
	require.NoError(t, json.Unmarshal(session, &decoded))
	assert.NotEmpty(t, decoded.Challenge)
	assert.Equal(t, [][]byte{[]byte("cred-1")}, decoded.Allowed)

	_, err = rp.FinishLogin(u, creds, session, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
