package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/supportpanel/server/internal/apierrors"
)

// CSRFHeader carries the double-submit token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// CSRF enforces the double-submit pattern on POST, PUT, PATCH and DELETE:
// the header must equal the csrf cookie. Paths starting with any of exempt
// are skipped (pre-session endpoints and the bot API).
func CSRF(cookieName string, exempt []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range exempt {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			c, err := r.Cookie(cookieName)
			header := r.Header.Get(CSRFHeader)
			if err != nil || c.Value == "" || header == "" ||
				subtle.ConstantTimeCompare([]byte(c.Value), []byte(header)) != 1 {
				apierrors.Error(w, apierrors.CodeCSRFInvalid)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
