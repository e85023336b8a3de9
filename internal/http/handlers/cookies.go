package handlers

import (
	"net/http"
	"time"

	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/config"
)

// Cookies writes the session cookie triple: an HttpOnly access token on "/",
// an HttpOnly refresh token scoped to the refresh endpoint, and a readable
// CSRF token for the double-submit check.
type Cookies struct {
	cfg        config.CookieConfig
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewCookies creates a cookie writer.
func NewCookies(cfg config.CookieConfig, accessTTL, refreshTTL time.Duration) Cookies {
	return Cookies{cfg: cfg, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (c Cookies) cookie(name, value, path string, httpOnly bool, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.cfg.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: httpOnly,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSession sets all three cookies with a fresh CSRF token.
func (c Cookies) SetSession(w http.ResponseWriter, access, refresh string) error {
	csrf, err := auth.GenerateCSRFToken()
	if err != nil {
		return err
	}
	http.SetCookie(w, c.cookie(c.cfg.AccessName, access, "/", true, c.accessTTL))
	http.SetCookie(w, c.cookie(c.cfg.RefreshName, refresh, c.cfg.RefreshPath, true, c.refreshTTL))
	http.SetCookie(w, c.cookie(c.cfg.CSRFName, csrf, "/", false, c.refreshTTL))
	return nil
}

// SetAccess replaces the access token and CSRF token, leaving the refresh cookie alone.
func (c Cookies) SetAccess(w http.ResponseWriter, access string) error {
	csrf, err := auth.GenerateCSRFToken()
	if err != nil {
		return err
	}
	http.SetCookie(w, c.cookie(c.cfg.AccessName, access, "/", true, c.accessTTL))
	http.SetCookie(w, c.cookie(c.cfg.CSRFName, csrf, "/", false, c.refreshTTL))
	return nil
}

// Clear expires all three cookies.
func (c Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(c.cfg.AccessName, "", "/", true, -time.Second))
	http.SetCookie(w, c.cookie(c.cfg.RefreshName, "", c.cfg.RefreshPath, true, -time.Second))
	http.SetCookie(w, c.cookie(c.cfg.CSRFName, "", "/", false, -time.Second))
}

// Refresh returns the refresh token cookie value.
func (c Cookies) Refresh(r *http.Request) string {
	if ck, err := r.Cookie(c.cfg.RefreshName); err == nil {
		return ck.Value
	}
	return ""
}

// AccessName is the access cookie name.
func (c Cookies) AccessName() string { return c.cfg.AccessName }
