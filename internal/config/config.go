package config

import (
	"fmt"
	"log"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	APIPrefix   string
	DevMode     bool

	// TrustedProxies are the peers whose X-Forwarded-For / X-Real-IP headers
	// are believed. Empty means forwarding headers are ignored.
	TrustedProxies []netip.Prefix

	JWT       JWTConfig
	Cookies   CookieConfig
	WebAuthn  WebAuthnConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Bot       BotConfig
	AMQP      AMQPConfig
	Bootstrap BootstrapConfig

	BcryptCost int
}

// JWTConfig selects the signing algorithm and token lifetimes.
// PrivateKey and PublicKey hold PEM text or a path to a PEM file.
type JWTConfig struct {
	Algorithm  string
	Secret     string
	PrivateKey string
	PublicKey  string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// CookieConfig controls the session cookies
type CookieConfig struct {
	Secure      bool
	Domain      string
	AccessName  string
	RefreshName string
	CSRFName    string
	RefreshPath string
}

// WebAuthnConfig is the relying party identity
type WebAuthnConfig struct {
	RPID    string
	RPName  string
	Origins []string
}

// RateLimitConfig selects the limiter backend: "memory" or "redis"
type RateLimitConfig struct {
	Backend string
}

// RedisConfig is optional; an empty Addr keeps challenges and rate limits in memory
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BotConfig points at the bot transport's internal API
type BotConfig struct {
	BaseURL       string
	InternalToken string
}

// AMQPConfig is optional; without a URL broadcast campaigns are picked up by polling
type AMQPConfig struct {
	URL   string
	Queue string
}

// BootstrapConfig controls creation of the first administrator
type BootstrapConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		APIPrefix:  strings.TrimRight(getEnv("API_PREFIX", "/api"), "/"),
		DevMode:    getEnvBool("DEV_MODE", false),
		BcryptCost: getEnvInt("BCRYPT_COST", 12),
	}

	// Load DATABASE_URL and log connection details (password masked)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL
	logDatabaseTarget(databaseURL)

	cfg.JWT = JWTConfig{
		Algorithm:  strings.ToUpper(getEnv("JWT_ALGORITHM", "HS256")),
		Secret:     os.Getenv("JWT_SECRET"),
		PrivateKey: os.Getenv("JWT_PRIVATE_KEY"),
		PublicKey:  os.Getenv("JWT_PUBLIC_KEY"),
		Issuer:     getEnv("JWT_ISSUER", "support-panel"),
		Audience:   getEnv("JWT_AUDIENCE", "support-panel"),
		AccessTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 10*time.Minute),
		RefreshTTL: getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
	}
	switch cfg.JWT.Algorithm {
	case "HS256":
		if cfg.JWT.Secret == "" {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required for HS256")
		}
	case "RS256", "ES256":
		if cfg.JWT.PrivateKey == "" || cfg.JWT.PublicKey == "" {
			return nil, fmt.Errorf("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required for %s", cfg.JWT.Algorithm)
		}
	default:
		return nil, fmt.Errorf("unsupported JWT_ALGORITHM %q", cfg.JWT.Algorithm)
	}

	cfg.Cookies = CookieConfig{
		Secure:      getEnvBool("COOKIE_SECURE", !cfg.DevMode),
		Domain:      os.Getenv("COOKIE_DOMAIN"),
		AccessName:  getEnv("ACCESS_COOKIE_NAME", "access_token"),
		RefreshName: getEnv("REFRESH_COOKIE_NAME", "refresh_token"),
		CSRFName:    getEnv("CSRF_COOKIE_NAME", "csrf_token"),
		RefreshPath: cfg.APIPrefix + "/auth/refresh",
	}

	cfg.WebAuthn = WebAuthnConfig{
		RPID:    getEnv("WEBAUTHN_RP_ID", "localhost"),
		RPName:  getEnv("WEBAUTHN_RP_NAME", "Support Panel"),
		Origins: splitList(getEnv("WEBAUTHN_ORIGINS", "http://localhost:5173")),
	}

	cfg.Redis = RedisConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
	}

	cfg.RateLimit = RateLimitConfig{Backend: strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory"))}
	if cfg.RateLimit.Backend != "memory" && cfg.RateLimit.Backend != "redis" {
		return nil, fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.Backend == "redis" && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_ADDR")
	}

	proxies, err := parsePrefixes(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	cfg.Bot = BotConfig{
		BaseURL:       strings.TrimRight(getEnv("BOT_BASE_URL", "http://bot:8081"), "/"),
		InternalToken: os.Getenv("INTERNAL_TOKEN"),
	}
	if cfg.Bot.InternalToken == "" {
		log.Printf("config: INTERNAL_TOKEN is empty, bot endpoints will reject every request")
	}

	cfg.AMQP = AMQPConfig{
		URL:   os.Getenv("AMQP_URL"),
		Queue: getEnv("AMQP_BROADCAST_QUEUE", "broadcast.queued"),
	}

	cfg.Bootstrap = BootstrapConfig{
		Enabled:  getEnvBool("BOOTSTRAP_ADMIN", true),
		Username: getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
		Password: getEnv("BOOTSTRAP_ADMIN_PASSWORD", "admin"),
	}

	return cfg, nil
}

func logDatabaseTarget(databaseURL string) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	log.Printf("DB connect: host=%s port=%s db=%s user=%s", host, port, strings.TrimPrefix(u.Path, "/"), user)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %v", key, v, def)
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range splitList(s) {
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
