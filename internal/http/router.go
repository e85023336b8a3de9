package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/http/handlers"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/realtime"
)

// Deps is everything the router needs. Handlers are built by the caller so
// tests can assemble the same tree over an in-memory store.
type Deps struct {
	Config     *config.Config
	Gateway    *auth.Gateway
	Limiter    middleware.Limiter
	Hub        *realtime.Hub
	Health     *handlers.HealthHandler
	Auth       *handlers.AuthHandler
	Chats      *handlers.ChatHandler
	Bot        *handlers.BotHandler
	Templates  *handlers.TemplateHandler
	Broadcasts *handlers.BroadcastHandler
	Admin      *handlers.AdminHandler
	Accounts   *handlers.AccountHandler
	Now        func() time.Time
}

// csrfExempt lists path prefixes (below the API prefix) that run before a
// session exists or are called by the bot transport.
var csrfExempt = []string{
	"/auth/login",
	"/auth/register",
	"/auth/telegram/oauth",
	"/auth/telegram/verify",
	"/auth/refresh",
	"/auth/webauthn/auth/",
	"/bot/",
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	cfg := d.Config
	now := d.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RealIP(cfg.TrustedProxies))
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Metrics)

	r.Get("/health", d.Health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", realtime.NewHandler(d.Hub, d.Gateway, cfg.Cookies.AccessName))

	exempt := make([]string, 0, len(csrfExempt))
	for _, p := range csrfExempt {
		exempt = append(exempt, cfg.APIPrefix+p)
	}

	requireAuth := middleware.RequireAuth(d.Gateway, cfg.Cookies.AccessName)
	adminOnly := middleware.RequireRole(model.RoleAdministrator)
	stepUp := middleware.RequireStepUp(now)
	limit := func(name string, n int, window time.Duration) func(http.Handler) http.Handler {
		return middleware.RateLimit(d.Limiter, name, n, window)
	}

	r.Route(cfg.APIPrefix, func(r chi.Router) {
		r.Use(middleware.CSRF(cfg.Cookies.CSRFName, exempt))

		r.Route("/auth", func(r chi.Router) {
			a := d.Auth
			r.With(middleware.StrictRateLimit(d.Limiter, "login", 8, time.Minute)).Post("/login", a.HandleLogin)
			r.With(limit("register", 5, 5*time.Minute)).Post("/register", a.HandleRegister)
			r.With(limit("tg_login", 8, time.Minute)).Post("/telegram/verify", a.HandleTelegramVerify)
			r.With(limit("tg_oauth", 8, time.Minute)).Post("/telegram/oauth", a.HandleTelegramOAuth)
			r.Get("/telegram/bot_id", a.HandleBotID)
			r.Post("/refresh", a.HandleRefresh)
			r.Post("/logout", a.HandleLogout)
			r.Post("/webauthn/auth/options", a.HandleWebAuthnAuthOptions)
			r.Post("/webauthn/auth/verify", a.HandleWebAuthnAuthVerify)

			// Registration accepts either a pending login or a signed-in caller.
			r.Group(func(r chi.Router) {
				r.Use(middleware.OptionalAuth(d.Gateway, cfg.Cookies.AccessName))
				r.Post("/webauthn/register/options", a.HandleWebAuthnRegisterOptions)
				r.Post("/webauthn/register/verify", a.HandleWebAuthnRegisterVerify)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/me", a.HandleMe)
				r.Post("/logout_all", a.HandleLogoutAll)
				r.Post("/security/status", a.HandleSecurityStatus)
				r.Post("/stepup/webauthn/options", a.HandleStepUpOptions)
				r.Post("/stepup/webauthn/verify", a.HandleStepUpVerify)
				r.Delete("/webauthn/credential/{credential_id}", a.HandleDeleteCredential)
				r.Post("/telegram-oauth/toggle", a.HandleTelegramOAuthToggle)
				r.Get("/telegram-oauth/status", a.HandleTelegramOAuthStatus)
				r.Post("/change-password", a.HandleChangePassword)
			})
		})

		r.Route("/bot", func(r chi.Router) {
			r.Use(middleware.RequireInternalToken(cfg.Bot.InternalToken))
			b := d.Bot
			r.Post("/chat", b.HandleChat)
			r.Post("/incoming", b.HandleIncoming)
			r.Post("/outgoing", b.HandleOutgoing)
			r.Post("/edited", b.HandleEdited)
			r.Get("/settings/{key}", b.HandleSetting)
		})

		// Operator panel.
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(middleware.RequirePasswordChanged)

			r.Route("/chats", func(r chi.Router) {
				c := d.Chats
				r.Get("/", c.HandleList)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", c.HandleGet)
					r.Post("/close", c.HandleClose)
					r.Post("/assign", c.HandleAssign)
					r.Post("/escalate", c.HandleEscalate)
					r.Post("/resume", c.HandleResume)
					r.Patch("/note", c.HandleNote)
					r.With(adminOnly).Delete("/", c.HandleDelete)
					r.Get("/messages", c.HandleListMessages)
					r.Post("/messages", c.HandleSendMessage)
					r.Delete("/messages/{mid}", c.HandleDeleteMessage)
				})
			})

			r.Route("/templates", func(r chi.Router) {
				t := d.Templates
				r.Get("/", t.HandleList)
				r.Post("/", t.HandleCreate)
				r.Patch("/{id}", t.HandleUpdate)
				r.Delete("/{id}", t.HandleDelete)
			})

			r.Route("/broadcasts", func(r chi.Router) {
				r.Use(adminOnly)
				b := d.Broadcasts
				r.Get("/", b.HandleList)
				r.Get("/{id}", b.HandleGet)
				r.With(stepUp).Post("/", b.HandleCreate)
			})

			r.Route("/settings", func(r chi.Router) {
				r.Use(adminOnly)
				r.Get("/{key}", d.Admin.HandleGetSetting)
				r.With(stepUp).Put("/{key}", d.Admin.HandlePutSetting)
			})

			r.Route("/admins", func(r chi.Router) {
				r.Use(adminOnly)
				a := d.Accounts
				r.Get("/", a.HandleList)
				r.With(stepUp).Post("/", a.HandleCreate)
				r.With(stepUp).Patch("/{id}", a.HandleUpdate)
				r.With(stepUp).Delete("/{id}", a.HandleDelete)
			})

			r.With(adminOnly).Get("/audit", d.Admin.HandleAudit)
		})
	})

	return r
}
