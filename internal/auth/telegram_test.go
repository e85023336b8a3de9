package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotToken = "123456:AAE-test-token"

func signedPayload(now time.Time) TelegramPayload {
	return SignTelegramPayload(TelegramPayload{
		ID:        777000,
		FirstName: "Ivan",
		LastName:  "Petrov",
		Username:  "ivanp",
		PhotoURL:  "https://t.me/i/userpic/320/ivanp.jpg",
		AuthDate:  now.Unix(),
	}, testBotToken)
}

func TestVerifyTelegramPayload_RoundTrip(t *testing.T) {
	now := time.Now()
	p := signedPayload(now)
	assert.True(t, VerifyTelegramPayload(p, testBotToken, now))

	upper := p
	upper.Hash = strings.ToUpper(p.Hash)
	assert.True(t, VerifyTelegramPayload(upper, testBotToken, now), "hex case is not significant")
}

func TestVerifyTelegramPayload_AnyFieldChangeFails(t *testing.T) {
	now := time.Now()
	base := signedPayload(now)

	mutations := map[string]func(*TelegramPayload){
		"id":         func(p *TelegramPayload) { p.ID++ },
		"first_name": func(p *TelegramPayload) { p.FirstName = "Petr" },
		"last_name":  func(p *TelegramPayload) { p.LastName = "" },
		"username":   func(p *TelegramPayload) { p.Username = "mallory" },
		"photo_url":  func(p *TelegramPayload) { p.PhotoURL = "https://evil.example/x.jpg" },
		"auth_date":  func(p *TelegramPayload) { p.AuthDate-- },
		"hash":       func(p *TelegramPayload) { p.Hash = strings.Repeat("0", 64) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := base
			mutate(&p)
			assert.False(t, VerifyTelegramPayload(p, testBotToken, now))
		})
	}
}

func TestVerifyTelegramPayload_Freshness(t *testing.T) {
	now := time.Now()

	p := signedPayload(now.Add(-TelegramMaxAge))
	assert.True(t, VerifyTelegramPayload(p, testBotToken, now), "exactly 300s old is accepted")

	p = signedPayload(now.Add(-TelegramMaxAge - time.Second))
	assert.False(t, VerifyTelegramPayload(p, testBotToken, now), "301s old is rejected")

	p = signedPayload(now.Add(time.Hour))
	assert.False(t, VerifyTelegramPayload(p, testBotToken, now), "far future auth_date is rejected")
}

func TestVerifyTelegramPayload_WrongToken(t *testing.T) {
	now := time.Now()
	p := signedPayload(now)
	assert.False(t, VerifyTelegramPayload(p, "999:other", now))
	assert.False(t, VerifyTelegramPayload(p, "", now))
}

func TestTelegramPayload_DataCheckString(t *testing.T) {
	p := TelegramPayload{ID: 42, Username: "neo", AuthDate: 1700000000, Hash: "ignored"}
	assert.Equal(t, "auth_date=1700000000\nid=42\nusername=neo", p.dataCheckString(),
		"sorted keys, empty optional fields and hash excluded")
}

// widgetHash signs a data-check string independently of the payload type.
func widgetHash(dataCheck, botToken string) string {
	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(dataCheck))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestTelegramPayload_DecodedExtraFieldsAreSigned(t *testing.T) {
	now := time.Now()
	check := fmt.Sprintf("allows_write_to_pm=true\nauth_date=%d\nfirst_name=Ivan\nid=777000", now.Unix())
	body := fmt.Sprintf(`{"id":777000,"first_name":"Ivan","auth_date":%d,"allows_write_to_pm":true,"hash":%q}`,
		now.Unix(), widgetHash(check, testBotToken))

	var p TelegramPayload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	assert.Equal(t, int64(777000), p.ID)
	assert.Equal(t, "Ivan", p.FirstName)
	assert.Equal(t, "true", p.Extra["allows_write_to_pm"])
	assert.Equal(t, check, p.dataCheckString())
	assert.True(t, VerifyTelegramPayload(p, testBotToken, now))

	// Dropping the extra key breaks the signature.
	var stripped TelegramPayload
	require.NoError(t, json.Unmarshal([]byte(strings.Replace(body, `"allows_write_to_pm":true,`, "", 1)), &stripped))
	assert.False(t, VerifyTelegramPayload(stripped, testBotToken, now))
}

func TestTelegramPayload_EmptyStringIsSigned(t *testing.T) {
	now := time.Now()
	check := fmt.Sprintf("auth_date=%d\nid=5\nlast_name=", now.Unix())
	body := fmt.Sprintf(`{"id":"5","auth_date":%d,"last_name":"","photo_url":null,"hash":%q}`,
		now.Unix(), widgetHash(check, testBotToken))

	var p TelegramPayload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	assert.True(t, VerifyTelegramPayload(p, testBotToken, now))
}

func TestTelegramPayload_MarshalRoundTrip(t *testing.T) {
	now := time.Now()
	p := SignTelegramPayload(TelegramPayload{
		ID:       9,
		AuthDate: now.Unix(),
		Extra:    map[string]string{"allows_write_to_pm": "true"},
	}, testBotToken)
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded TelegramPayload
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, VerifyTelegramPayload(decoded, testBotToken, now))
}

func TestTelegramPayload_RejectsNonNumericID(t *testing.T) {
	var p TelegramPayload
	assert.Error(t, json.Unmarshal([]byte(`{"id":"abc","auth_date":1,"hash":"x"}`), &p))
}
