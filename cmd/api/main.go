package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/supportpanel/server/internal/audit"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/botclient"
	"github.com/supportpanel/server/internal/broadcast"
	"github.com/supportpanel/server/internal/challenge"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/config"
	"github.com/supportpanel/server/internal/db"
	"github.com/supportpanel/server/internal/housekeeping"
	httphandler "github.com/supportpanel/server/internal/http"
	"github.com/supportpanel/server/internal/http/handlers"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/passkey"
	"github.com/supportpanel/server/internal/realtime"
	"github.com/supportpanel/server/internal/repo"
	"github.com/supportpanel/server/internal/settings"
)

// Poll intervals for pending campaigns. With a broker, notifications carry
// most of the load.
const (
	brokerPollInterval = 30 * time.Second
	localPollInterval  = 2 * time.Second
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	rdb, err := db.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	store := repo.NewStore(database)

	// Short-lived state: rate limit windows and WebAuthn ceremonies.
	var jobs []housekeeping.Job
	var limiter middleware.Limiter
	if cfg.RateLimit.Backend == "redis" && rdb != nil {
		limiter = middleware.NewRedisLimiter(rdb, "rl:")
	} else {
		mem := middleware.NewMemoryLimiter(time.Now)
		limiter = mem
		jobs = append(jobs, housekeeping.Job{Name: "ratelimit_sweep", Schedule: "@every 1m", Run: housekeeping.Sweep("ratelimit", mem)})
	}
	var challenges challenge.Store
	if rdb != nil {
		challenges = challenge.NewRedisStore(rdb, "webauthn:")
	} else {
		mem := challenge.NewMemoryStore(time.Now)
		challenges = mem
		jobs = append(jobs, housekeeping.Job{Name: "challenge_sweep", Schedule: "@every 1m", Run: housekeeping.Sweep("challenge", mem)})
	}

	rp, err := passkey.New(cfg.WebAuthn)
	if err != nil {
		log.Fatalf("Failed to configure WebAuthn: %v", err)
	}
	tokens, err := auth.NewTokenCodec(cfg.JWT)
	if err != nil {
		log.Fatalf("Failed to configure tokens: %v", err)
	}
	auditLog := audit.NewLogger(store.Audit())
	settingsSvc := settings.NewService(store.Settings())
	gateway := auth.NewGateway(store, tokens, auth.NewBcryptHasher(cfg.BcryptCost), auditLog, settingsSvc, challenges, rp)
	if err := gateway.Bootstrap(ctx, cfg.Bootstrap); err != nil {
		log.Fatalf("Failed to bootstrap administrator: %v", err)
	}

	hub := realtime.NewHub(time.Now)
	bot := botclient.New(cfg.Bot.BaseURL, cfg.Bot.InternalToken)
	chats := chat.NewService(store, hub, bot)

	var notifier broadcast.Notifier
	notifications := make(chan uuid.UUID, 16)
	pollInterval := localPollInterval
	if cfg.AMQP.URL != "" {
		notifier = broadcast.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Queue)
		go broadcast.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Queue).Run(ctx, notifications)
		pollInterval = brokerPollInterval
	}
	broadcasts := broadcast.NewService(store, notifier)

	worker := broadcast.NewWorker(store, bot, hub)
	if _, err := worker.Recover(ctx); err != nil {
		log.Printf("broadcast: recover: %v", err)
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx, notifications, pollInterval)
	}()

	jobs = append(jobs,
		housekeeping.Job{Name: "pending_login_purge", Schedule: "@every 5m", Timeout: 30 * time.Second, Run: housekeeping.PurgePendingLogins(store.PendingLogins(), time.Now)},
		housekeeping.Job{Name: "ws_expired_sweep", Schedule: "@every 30s", Run: housekeeping.Sweep("realtime", housekeeping.SweepFunc(hub.SweepExpired))},
	)
	scheduler, err := housekeeping.New(jobs...)
	if err != nil {
		log.Fatalf("Failed to schedule housekeeping: %v", err)
	}
	scheduler.Start()

	cookies := handlers.NewCookies(cfg.Cookies, tokens.AccessTTL(), tokens.RefreshTTL())
	router := httphandler.NewRouter(httphandler.Deps{
		Config:     cfg,
		Gateway:    gateway,
		Limiter:    limiter,
		Hub:        hub,
		Health:     handlers.NewHealthHandler(database),
		Auth:       handlers.NewAuthHandler(gateway, cookies),
		Chats:      handlers.NewChatHandler(chats),
		Bot:        handlers.NewBotHandler(chats, settingsSvc),
		Templates:  handlers.NewTemplateHandler(store.Templates(), hub),
		Broadcasts: handlers.NewBroadcastHandler(broadcasts),
		Admin:      handlers.NewAdminHandler(settingsSvc, store.Audit(), auditLog),
		Accounts:   handlers.NewAccountHandler(gateway),
	})

	// No WriteTimeout: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	scheduler.Stop(shutdownCtx)
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Println("broadcast: worker did not stop in time")
	}

	log.Println("Server exited")
}
