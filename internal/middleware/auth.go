package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/model"
)

type contextKey string

const authKey contextKey = "auth"

// Authenticator resolves an access token into the calling operator.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (auth.AuthContext, error)
}

// AccessToken returns the access token from the access cookie, falling back
// to an Authorization: Bearer header for non-browser clients.
func AccessToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireAuth validates the access token, checks the session and user, and
// attaches the auth context to the request.
func RequireAuth(a Authenticator, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := AccessToken(r, cookieName)
			if token == "" {
				apierrors.Error(w, apierrors.CodeUnauthorized)
				return
			}
			ac, err := a.Authenticate(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}

// OptionalAuth attaches the auth context when a valid token is present and
// otherwise lets the request through unauthenticated.
func OptionalAuth(a Authenticator, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := AccessToken(r, cookieName); token != "" {
				if ac, err := a.Authenticate(r.Context(), token); err == nil {
					r = r.WithContext(WithAuth(r.Context(), ac))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects callers whose role is not in roles. It must run after RequireAuth.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuth(r.Context())
			if !ok {
				apierrors.Error(w, apierrors.CodeUnauthorized)
				return
			}
			for _, role := range roles {
				if ac.User.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			apierrors.Error(w, apierrors.CodeForbidden)
		})
	}
}

// RequireStepUp rejects callers whose last second-factor check is older than
// auth.StepUpMaxAge. It must run after RequireAuth.
func RequireStepUp(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuth(r.Context())
			if !ok {
				apierrors.Error(w, apierrors.CodeUnauthorized)
				return
			}
			if !auth.IsFresh(ac.Claims, now(), auth.StepUpMaxAge) {
				apierrors.Error(w, apierrors.CodeStepUpRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePasswordChanged blocks accounts flagged must_change_password until
// they set a new password. It must run after RequireAuth.
func RequirePasswordChanged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := GetAuth(r.Context())
		if !ok {
			apierrors.Error(w, apierrors.CodeUnauthorized)
			return
		}
		if ac.User.MustChangePassword {
			apierrors.Error(w, apierrors.CodeMustChangePassword)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithAuth stores ac in ctx.
func WithAuth(ctx context.Context, ac auth.AuthContext) context.Context {
	return context.WithValue(ctx, authKey, ac)
}

// GetAuth returns the auth context attached by RequireAuth or OptionalAuth.
func GetAuth(ctx context.Context) (auth.AuthContext, bool) {
	ac, ok := ctx.Value(authKey).(auth.AuthContext)
	return ac, ok
}

// GetUser returns the authenticated user.
func GetUser(ctx context.Context) (model.User, bool) {
	ac, ok := GetAuth(ctx)
	return ac.User, ok
}
