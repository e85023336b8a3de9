// Package settings decodes the JSON rows of the settings table into typed values.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/supportpanel/server/internal/repo"
)

// Well-known keys.
const (
	KeyTelegramBot   = "telegram_bot_token"
	KeyTelegramOAuth = "telegram_oauth"
	KeyGreeting      = "greeting"
)

var (
	// ErrInvalidValue is returned when a known key is written with a value of the wrong shape.
	ErrInvalidValue = errors.New("invalid setting value")
	// ErrInvalidBotToken is returned when a bot token has no numeric id prefix.
	ErrInvalidBotToken = errors.New("invalid bot token")
)

// TelegramBot is the support bot the transport runs.
type TelegramBot struct {
	Token string `json:"token"`
}

// BotID returns the numeric prefix of the token ("123456:ABC" -> 123456).
func (b TelegramBot) BotID() (int64, error) {
	head, _, _ := strings.Cut(b.Token, ":")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidBotToken
	}
	return id, nil
}

// TelegramOAuth configures direct sign-in with Telegram. It uses its own bot,
// separate from the support bot.
type TelegramOAuth struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// Greeting is the text the bot sends on /start.
type Greeting struct {
	Text string `json:"text"`
}

// Service reads and writes typed settings.
type Service struct {
	repo repo.SettingRepo
}

// NewService creates a settings service
func NewService(r repo.SettingRepo) *Service {
	return &Service{repo: r}
}

// Raw returns the stored JSON for key, or repo.ErrNotFound.
func (s *Service) Raw(ctx context.Context, key string) (json.RawMessage, error) {
	return s.repo.Get(ctx, key)
}

// Put validates values for known keys before storing them.
func (s *Service) Put(ctx context.Context, key string, value json.RawMessage) error {
	var err error
	switch key {
	case KeyTelegramBot:
		err = strictDecode(value, &TelegramBot{})
	case KeyTelegramOAuth:
		err = strictDecode(value, &TelegramOAuth{})
	case KeyGreeting:
		err = strictDecode(value, &Greeting{})
	default:
		if !json.Valid(value) {
			err = errors.New("not JSON")
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
	}
	return s.repo.Put(ctx, key, value)
}

// TelegramBot returns the support bot settings; ok is false when unset.
func (s *Service) TelegramBot(ctx context.Context) (TelegramBot, bool, error) {
	var v TelegramBot
	ok, err := s.load(ctx, KeyTelegramBot, &v)
	return v, ok && v.Token != "", err
}

// TelegramOAuth returns the direct sign-in settings; ok is false when unset.
func (s *Service) TelegramOAuth(ctx context.Context) (TelegramOAuth, bool, error) {
	var v TelegramOAuth
	ok, err := s.load(ctx, KeyTelegramOAuth, &v)
	return v, ok, err
}

// Greeting returns the greeting text, empty when unset.
func (s *Service) Greeting(ctx context.Context) (Greeting, error) {
	var v Greeting
	_, err := s.load(ctx, KeyGreeting, &v)
	return v, err
}

func (s *Service) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.repo.Get(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load setting %s: %w", key, err)
	}
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
	}
	return true, nil
}

func strictDecode(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
