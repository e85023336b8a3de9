package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TelegramMaxAge is how old a login widget payload may be.
const TelegramMaxAge = 300 * time.Second

// TelegramPayload is the data the Telegram login widget hands to the browser.
// Every key except hash is signed, including ones not modelled here; those
// land in Extra.
type TelegramPayload struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  int64
	Hash      string
	Extra     map[string]string

	// signed holds the fields exactly as received when the payload was
	// decoded from JSON.
	signed map[string]string
}

// fields returns the signed key/value pairs; empty optional fields are not part of the signature.
func (p TelegramPayload) fields() map[string]string {
	if p.signed != nil {
		return p.signed
	}
	f := make(map[string]string, len(p.Extra)+6)
	for k, v := range p.Extra {
		f[k] = v
	}
	f["id"] = strconv.FormatInt(p.ID, 10)
	f["auth_date"] = strconv.FormatInt(p.AuthDate, 10)
	if p.FirstName != "" {
		f["first_name"] = p.FirstName
	}
	if p.LastName != "" {
		f["last_name"] = p.LastName
	}
	if p.Username != "" {
		f["username"] = p.Username
	}
	if p.PhotoURL != "" {
		f["photo_url"] = p.PhotoURL
	}
	return f
}

// UnmarshalJSON keeps every received key for the signature check. Strings are
// signed unquoted, other values as their JSON text; nulls are dropped.
func (p *TelegramPayload) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := TelegramPayload{signed: make(map[string]string, len(raw))}
	for k, v := range raw {
		s, present, err := telegramValue(v)
		if err != nil {
			return fmt.Errorf("telegram payload %q: %w", k, err)
		}
		if !present {
			continue
		}
		if k == "hash" {
			out.Hash = s
			continue
		}
		out.signed[k] = s
		switch k {
		case "id":
			out.ID, err = strconv.ParseInt(s, 10, 64)
		case "auth_date":
			out.AuthDate, err = strconv.ParseInt(s, 10, 64)
		case "first_name":
			out.FirstName = s
		case "last_name":
			out.LastName = s
		case "username":
			out.Username = s
		case "photo_url":
			out.PhotoURL = s
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]string)
			}
			out.Extra[k] = s
		}
		if err != nil {
			return fmt.Errorf("telegram payload %q: %w", k, err)
		}
	}
	*p = out
	return nil
}

// MarshalJSON renders the payload the way the widget sends it.
func (p TelegramPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+7)
	for k, v := range p.fields() {
		out[k] = v
	}
	out["id"] = p.ID
	out["auth_date"] = p.AuthDate
	if p.Hash != "" {
		out["hash"] = p.Hash
	}
	return json.Marshal(out)
}

func telegramValue(v json.RawMessage) (string, bool, error) {
	v = bytes.TrimSpace(v)
	switch {
	case len(v) == 0 || bytes.Equal(v, []byte("null")):
		return "", false, nil
	case v[0] == '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	default:
		return string(v), true, nil
	}
}

func (p TelegramPayload) dataCheckString() string {
	f := p.fields()
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + f[k]
	}
	return strings.Join(lines, "\n")
}

func telegramDigest(p TelegramPayload, botToken string) string {
	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(p.dataCheckString()))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTelegramPayload fills p.Hash the way Telegram does.
func SignTelegramPayload(p TelegramPayload, botToken string) TelegramPayload {
	p.Hash = telegramDigest(p, botToken)
	return p
}

// VerifyTelegramPayload checks the HMAC over the sorted fields and that
// auth_date lies within TelegramMaxAge of now.
func VerifyTelegramPayload(p TelegramPayload, botToken string, now time.Time) bool {
	if botToken == "" || p.Hash == "" || p.ID == 0 {
		return false
	}
	want := telegramDigest(p, botToken)
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(p.Hash))) != 1 {
		return false
	}
	age := now.Unix() - p.AuthDate
	if age < 0 {
		age = -age
	}
	return age <= int64(TelegramMaxAge/time.Second)
}
