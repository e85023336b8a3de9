package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/botclient"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo"
)

type fakeAuth struct {
	tokens map[string]auth.AuthContext
	err    error
}

func (f fakeAuth) Authenticate(_ context.Context, token string) (auth.AuthContext, error) {
	if ac, ok := f.tokens[token]; ok {
		return ac, nil
	}
	if f.err != nil {
		return auth.AuthContext{}, f.err
	}
	return auth.AuthContext{}, auth.ErrInvalidToken
}

func okHandler(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func operator(role model.Role, mfaAt time.Time) auth.AuthContext {
	return auth.AuthContext{
		User:   model.User{ID: uuid.New(), Role: role, IsActive: true},
		Claims: &auth.Claims{Role: role.String(), MFAAt: mfaAt.Unix()},
	}
}

func TestRequireAuth(t *testing.T) {
	ac := operator(model.RoleModerator, time.Now())
	a := fakeAuth{tokens: map[string]auth.AuthContext{"good": ac}}

	var seen auth.AuthContext
	h := RequireAuth(a, "access_token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetAuth(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: "good"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, ac.User.ID, seen.User.ID)
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apierrors.CodeUnauthorized, decodeCode(t, rec))
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apierrors.CodeInvalidToken, decodeCode(t, rec))
	})

	t.Run("revoked session", func(t *testing.T) {
		h := RequireAuth(fakeAuth{err: auth.ErrSessionRevoked}, "access_token")(http.HandlerFunc(okHandler))
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer stale")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, apierrors.CodeSessionRevoked, decodeCode(t, rec))
	})
}

func TestOptionalAuth(t *testing.T) {
	a := fakeAuth{tokens: map[string]auth.AuthContext{"good": operator(model.RoleModerator, time.Now())}}
	var attached bool
	h := OptionalAuth(a, "access_token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, attached = GetAuth(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer bad")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, attached)

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer good")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, attached)
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(model.RoleAdministrator)(http.HandlerFunc(okHandler))

	for _, tc := range []struct {
		role model.Role
		want int
	}{
		{model.RoleAdministrator, http.StatusNoContent},
		{model.RoleModerator, http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodDelete, "/chats/1", nil)
		req = req.WithContext(WithAuth(req.Context(), operator(tc.role, time.Now())))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, tc.role)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chats/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireStepUp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := RequireStepUp(func() time.Time { return now })(http.HandlerFunc(okHandler))

	serve := func(mfaAt time.Time) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/auth/webauthn/credential/x", nil)
		req = req.WithContext(WithAuth(req.Context(), operator(model.RoleModerator, mfaAt)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, serve(now.Add(-auth.StepUpMaxAge)).Code)
	rec := serve(now.Add(-auth.StepUpMaxAge - time.Second))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierrors.CodeStepUpRequired, decodeCode(t, rec))
}

func TestRequirePasswordChanged(t *testing.T) {
	h := RequirePasswordChanged(http.HandlerFunc(okHandler))

	ac := operator(model.RoleAdministrator, time.Now())
	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithAuth(req.Context(), ac)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ac.User.MustChangePassword = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithAuth(req.Context(), ac)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apierrors.CodeMustChangePassword, decodeCode(t, rec))
}

func TestCSRF(t *testing.T) {
	h := CSRF("csrf_token", []string{"/api/auth/login", "/api/bot/"})(http.HandlerFunc(okHandler))

	cases := []struct {
		name   string
		method string
		path   string
		cookie string
		header string
		want   int
	}{
		{"safe method", http.MethodGet, "/api/chats", "", "", http.StatusNoContent},
		{"matching pair", http.MethodPost, "/api/chats/1/close", "tok", "tok", http.StatusNoContent},
		{"missing header", http.MethodPost, "/api/chats/1/close", "tok", "", http.StatusForbidden},
		{"missing cookie", http.MethodPatch, "/api/chats/1/note", "", "tok", http.StatusForbidden},
		{"mismatch", http.MethodDelete, "/api/chats/1", "tok", "other", http.StatusForbidden},
		{"exempt login", http.MethodPost, "/api/auth/login", "", "", http.StatusNoContent},
		{"exempt bot", http.MethodPost, "/api/bot/incoming", "", "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: tc.cookie})
			}
			if tc.header != "" {
				req.Header.Set(CSRFHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusForbidden {
				assert.Equal(t, apierrors.CodeCSRFInvalid, decodeCode(t, rec))
			}
		})
	}
}

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewMemoryLimiter(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		ok, err := l.Hit(ctx, "login:1.2.3.4", 8, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "hit %d", i+1)
	}
	ok, _ := l.Hit(ctx, "login:1.2.3.4", 8, time.Minute)
	assert.False(t, ok, "ninth hit in the window is rejected")

	ok, _ = l.Hit(ctx, "login:5.6.7.8", 8, time.Minute)
	assert.True(t, ok, "other addresses have their own window")

	now = now.Add(time.Minute + time.Second)
	ok, _ = l.Hit(ctx, "login:1.2.3.4", 8, time.Minute)
	assert.True(t, ok, "a new window starts after expiry")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, l.Sweep())
}

func TestRateLimit_Middleware(t *testing.T) {
	l := NewMemoryLimiter(nil)
	h := RateLimit(l, "register", 2, 5*time.Minute)(http.HandlerFunc(okHandler))

	serve := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusNoContent, serve("10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusNoContent, serve("10.0.0.1:2222").Code, "the port is not part of the key")
	rec := serve("10.0.0.1:3333")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apierrors.CodeRateLimited, decodeCode(t, rec))
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, serve("10.0.0.2:1111").Code)
}

type brokenLimiter struct{}

func (brokenLimiter) Hit(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRateLimit_BackendFailureFailsOpen(t *testing.T) {
	h := RateLimit(brokenLimiter{}, "login", 1, time.Minute)(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStrictRateLimit_BackendFailureFailsClosed(t *testing.T) {
	errs := globalMetrics().rateLimitErrors.WithLabelValues("login_strict")
	before := counterValue(t, errs)
	h := StrictRateLimit(brokenLimiter{}, "login_strict", 1, time.Minute)(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apierrors.CodeServiceUnavailable, decodeCode(t, rec))
	assert.Equal(t, before+1, counterValue(t, errs))
}

func TestRateLimit_IgnoresForwardedHeadersFromUntrustedPeers(t *testing.T) {
	l := NewMemoryLimiter(nil)
	h := RealIP(nil)(RateLimit(l, "login", 3, time.Minute)(http.HandlerFunc(okHandler)))

	limited := 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 7, limited, "rotating forwarding headers must not reset the window")
}

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"untrusted peer keeps its address", "203.0.113.9:4000", "1.1.1.1", "", "203.0.113.9"},
		{"trusted peer forwards client", "10.0.0.5:4000", "1.1.1.1", "", "1.1.1.1"},
		{"spoofed left-most hop is ignored", "10.0.0.5:4000", "6.6.6.6, 1.1.1.1, 10.0.0.7", "", "1.1.1.1"},
		{"x-real-ip from trusted peer", "10.0.0.5:4000", "", "2.2.2.2", "2.2.2.2"},
		{"garbage hop keeps peer", "10.0.0.5:4000", "1.1.1.1, nonsense", "", "10.0.0.5"},
		{"no headers keeps peer", "10.0.0.5:4000", "", "", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis limiter test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	l := NewRedisLimiter(client, fmt.Sprintf("test:%s:", uuid.NewString()))
	for i := 0; i < 3; i++ {
		ok, err := l.Hit(ctx, "tg_login:1.1.1.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Hit(ctx, "tg_login:1.1.1.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequireInternalToken(t *testing.T) {
	h := RequireInternalToken("s3cret")(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/bot/incoming", nil)
	req.Header.Set(InternalTokenHeader, "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/bot/incoming", nil)
	req.Header.Set(InternalTokenHeader, "guess")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	open := RequireInternalToken("")(http.HandlerFunc(okHandler))
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bot/incoming", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "an unset token rejects everything")
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestCodeFor(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("wrap: %w", auth.ErrReplayDetected):       apierrors.CodeRefreshReplay,
		auth.ErrInvalidCredentials:                           apierrors.CodeInvalidCredentials,
		fmt.Errorf("chat: %w", chat.ErrInvalidTransition):    apierrors.CodeInvalidTransition,
		fmt.Errorf("send: %w", botclient.ErrPayloadTooLarge): apierrors.CodePayloadTooLarge,
		fmt.Errorf("chat %s: %w", "x", repo.ErrNotFound):     apierrors.CodeNotFound,
		errors.New("boom"):                                   apierrors.CodeInternalError,
	}
	for err, want := range cases {
		assert.Equal(t, want, CodeFor(err), err.Error())
	}
}
