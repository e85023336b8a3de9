package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/challenge"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/passkey"
	"github.com/supportpanel/server/internal/repo/memstore"
	"github.com/supportpanel/server/internal/settings"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-key-with-enough-entropy-000"

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Algorithm:  "HS256",
		Secret:     testSecret,
		Issuer:     "support-panel",
		Audience:   "support-panel",
		AccessTTL:  10 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
	}
}

func newTestCodec(t *testing.T) *TokenCodec {
	t.Helper()
	c, err := NewTokenCodec(testJWTConfig())
	require.NoError(t, err)
	return c
}

// clock is a settable time source shared by the gateway, ledger and codec.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Now().Truncate(time.Second)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakePasskeys stands in for the browser and authenticator. Credential ids
// travel as rawId in the JSON body, exactly like a real assertion.
type fakePasskeys struct {
	signCount uint32
	clone     bool
	failWith  error
}

func (f *fakePasskeys) BeginLogin(u model.User, creds []model.WebAuthnCredential) (any, []byte, error) {
	ids := make([]string, 0, len(creds))
	for _, c := range creds {
		ids = append(ids, passkey.EncodeCredentialID(c.CredentialID))
	}
	return map[string]any{"allowCredentials": ids}, []byte(`{"challenge":"login"}`), nil
}

func (f *fakePasskeys) FinishLogin(u model.User, creds []model.WebAuthnCredential, sessionData, body []byte) (passkey.Assertion, error) {
	if f.failWith != nil {
		return passkey.Assertion{}, f.failWith
	}
	if string(sessionData) != `{"challenge":"login"}` {
		return passkey.Assertion{}, errors.New("unexpected session data")
	}
	id, err := passkey.ParseCredentialID(body)
	if err != nil {
		return passkey.Assertion{}, err
	}
	for _, c := range creds {
		if string(c.CredentialID) == string(id) {
			return passkey.Assertion{CredentialID: id, SignCount: f.signCount, CloneWarning: f.clone}, nil
		}
	}
	return passkey.Assertion{}, errors.New("credential not allowed")
}

func (f *fakePasskeys) BeginRegistration(u model.User, creds []model.WebAuthnCredential) (any, []byte, error) {
	return map[string]any{"rp": "localhost"}, []byte(`{"challenge":"register"}`), nil
}

func (f *fakePasskeys) FinishRegistration(u model.User, creds []model.WebAuthnCredential, sessionData, body []byte) (model.WebAuthnCredential, error) {
	if f.failWith != nil {
		return model.WebAuthnCredential{}, f.failWith
	}
	id, err := passkey.ParseCredentialID(body)
	if err != nil {
		return model.WebAuthnCredential{}, err
	}
	return model.WebAuthnCredential{CredentialID: id, PublicKey: []byte("pk"), Transports: []string{"internal"}}, nil
}

func credentialBody(id []byte) []byte {
	b, _ := json.Marshal(map[string]string{"id": passkey.EncodeCredentialID(id), "rawId": passkey.EncodeCredentialID(id)})
	return b
}

type harness struct {
	store    *memstore.Store
	gw       *Gateway
	clock    *clock
	passkeys *fakePasskeys
	settings *settings.Service
	hasher   PasswordHasher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	clk := newClock()
	codec := newTestCodec(t)
	codec.now = clk.Now
	hasher := NewBcryptHasher(bcrypt.MinCost)
	pk := &fakePasskeys{signCount: 1}
	settingsSvc := settings.NewService(store.Settings())

	gw := NewGateway(store, codec, hasher, audit.NewLogger(store.Audit()), settingsSvc,
		challenge.NewMemoryStore(clk.Now), pk)
	gw.now = clk.Now
	gw.ledger.now = clk.Now

	return &harness{store: store, gw: gw, clock: clk, passkeys: pk, settings: settingsSvc, hasher: hasher}
}

func (h *harness) createUser(t *testing.T, username, password string, role model.Role, mutate func(*model.User)) model.User {
	t.Helper()
	hash, err := h.hasher.Hash(password)
	require.NoError(t, err)
	name := username
	u := model.User{Username: &name, PasswordHash: hash, Role: role, IsActive: true}
	if mutate != nil {
		mutate(&u)
	}
	require.NoError(t, h.store.Users().Create(context.Background(), &u))
	return u
}

func (h *harness) addCredential(t *testing.T, userID uuid.UUID, id []byte) model.WebAuthnCredential {
	t.Helper()
	c := model.WebAuthnCredential{UserID: userID, CredentialID: id, PublicKey: []byte("pk")}
	require.NoError(t, h.store.Credentials().Create(context.Background(), &c))
	return c
}

var testMeta = ClientMeta{IP: "203.0.113.7", UserAgent: "test-agent"}
