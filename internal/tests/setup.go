// Package tests holds end-to-end tests that drive the full HTTP router.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/botclient"
	"github.com/supportpanel/server/internal/broadcast"
	"github.com/supportpanel/server/internal/challenge"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/db"
	httphandler "github.com/supportpanel/server/internal/http"
	"github.com/supportpanel/server/internal/http/handlers"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/passkey"
	"github.com/supportpanel/server/internal/realtime"
	"github.com/supportpanel/server/internal/repo"
	"github.com/supportpanel/server/internal/settings"
	"golang.org/x/crypto/bcrypt"
)

const (
	// APIPrefix mirrors the production default.
	APIPrefix = "/api"
	// InternalToken is the pre-shared bot token used by test servers.
	InternalToken = "test-internal-token"
	jwtSecret     = "test-jwt-secret-at-least-32-characters-long"
)

// TestConfig returns a configuration that needs no environment.
func TestConfig(botURL string) *config.Config {
	return &config.Config{
		Port:      "0",
		APIPrefix: APIPrefix,
		DevMode:   true,
		JWT: config.JWTConfig{
			Algorithm:  "HS256",
			Secret:     jwtSecret,
			Issuer:     "support-panel",
			Audience:   "support-panel",
			AccessTTL:  10 * time.Minute,
			RefreshTTL: 24 * time.Hour,
		},
		Cookies: config.CookieConfig{
			AccessName:  "access_token",
			RefreshName: "refresh_token",
			CSRFName:    "csrf_token",
			RefreshPath: APIPrefix + "/auth/refresh",
		},
		WebAuthn: config.WebAuthnConfig{
			RPID:    "localhost",
			RPName:  "Support Panel",
			Origins: []string{"http://localhost:5173"},
		},
		RateLimit:  config.RateLimitConfig{Backend: "memory"},
		Bot:        config.BotConfig{BaseURL: botURL, InternalToken: InternalToken},
		BcryptCost: bcrypt.MinCost,
	}
}

// Stack is a fully wired application over one store.
type Stack struct {
	Config   *config.Config
	Store    repo.Store
	Gateway  *auth.Gateway
	Settings *settings.Service
	Hub      *realtime.Hub
	Hasher   auth.PasswordHasher
	Server   *httptest.Server
}

// NewStack wires every service the way cmd/api does and serves the router
// from an httptest server. db may be nil; the health check then skips the ping.
func NewStack(cfg *config.Config, store repo.Store, database *sql.DB) (*Stack, error) {
	rp, err := passkey.New(cfg.WebAuthn)
	if err != nil {
		return nil, fmt.Errorf("passkey: %w", err)
	}
	tokens, err := auth.NewTokenCodec(cfg.JWT)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	hasher := auth.NewBcryptHasher(cfg.BcryptCost)
	auditLog := audit.NewLogger(store.Audit())
	settingsSvc := settings.NewService(store.Settings())
	gateway := auth.NewGateway(store, tokens, hasher, auditLog, settingsSvc,
		challenge.NewMemoryStore(time.Now), rp)

	hub := realtime.NewHub(time.Now)
	bot := botclient.New(cfg.Bot.BaseURL, cfg.Bot.InternalToken)
	chats := chat.NewService(store, hub, bot)

	var health *handlers.HealthHandler
	if database != nil {
		health = handlers.NewHealthHandler(database)
	} else {
		health = handlers.NewHealthHandler(nil)
	}

	cookies := handlers.NewCookies(cfg.Cookies, tokens.AccessTTL(), tokens.RefreshTTL())
	router := httphandler.NewRouter(httphandler.Deps{
		Config:     cfg,
		Gateway:    gateway,
		Limiter:    middleware.NewMemoryLimiter(time.Now),
		Hub:        hub,
		Health:     health,
		Auth:       handlers.NewAuthHandler(gateway, cookies),
		Chats:      handlers.NewChatHandler(chats),
		Bot:        handlers.NewBotHandler(chats, settingsSvc),
		Templates:  handlers.NewTemplateHandler(store.Templates(), hub),
		Broadcasts: handlers.NewBroadcastHandler(broadcast.NewService(store, nil)),
		Admin:      handlers.NewAdminHandler(settingsSvc, store.Audit(), auditLog),
		Accounts:   handlers.NewAccountHandler(gateway),
	})

	return &Stack{
		Config:   cfg,
		Store:    store,
		Gateway:  gateway,
		Settings: settingsSvc,
		Hub:      hub,
		Hasher:   hasher,
		Server:   httptest.NewServer(router),
	}, nil
}

// OpenTestDB connects to databaseURL and applies the embedded migrations.
func OpenTestDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	database, err := db.Open(ctx, databaseURL, db.DefaultPool)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// TruncateTables empties every application table for a clean test state.
func TruncateTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, `TRUNCATE TABLE
		broadcast_deliveries, broadcasts, attachments, messages, chats, templates, settings,
		audit_logs, webauthn_credentials, pending_logins, sessions, users
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
