package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/apierrors"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/middleware"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

var okBody = map[string]bool{"ok": true}

// respondJSON writes v with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

// decodeJSON reads a JSON body into dst and writes invalid_request on failure.
// An empty body leaves dst untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	apierrors.Error(w, apierrors.CodeInvalidRequest)
	return false
}

// uuidParam parses a chi URL parameter and writes invalid_id on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		apierrors.Error(w, apierrors.CodeInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads an optional integer query parameter clamped to [min, max].
func queryInt(r *http.Request, key string, def, min, max int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, false
	}
	return n, true
}

// clientMeta describes the caller for sessions and audit entries.
func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		DeviceID:  r.Header.Get("X-Device-Id"),
	}
}

// authContext returns the caller attached by RequireAuth.
func authContext(w http.ResponseWriter, r *http.Request) (auth.AuthContext, bool) {
	ac, ok := middleware.GetAuth(r.Context())
	if !ok {
		apierrors.Error(w, apierrors.CodeUnauthorized)
	}
	return ac, ok
}
