package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/middleware"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo/memstore"
)

// errorResponse matches the error JSON body
type errorResponse struct {
	Code  string `json:"code"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// meResponse matches GET /auth/me
type meResponse struct {
	ID                 string `json:"id"`
	Role               string `json:"role"`
	Username           string `json:"username"`
	MustChangePassword bool   `json:"must_change_password"`
}

func newMemStack(t *testing.T, botURL string) *Stack {
	t.Helper()
	s, err := NewStack(TestConfig(botURL), memstore.New(), nil)
	require.NoError(t, err)
	t.Cleanup(s.Server.Close)
	return s
}

// browser is an HTTP client with a cookie jar that echoes the CSRF cookie
// in the header, the way the panel does.
type browser struct {
	t      *testing.T
	stack  *Stack
	client *http.Client
}

func newBrowser(t *testing.T, s *Stack) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, stack: s, client: &http.Client{Jar: jar}}
}

func (b *browser) cookie(name, path string) string {
	u, err := url.Parse(b.stack.Server.URL + path)
	require.NoError(b.t, err)
	for _, c := range b.client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (b *browser) do(method, path string, body any) *http.Response {
	b.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(b.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, b.stack.Server.URL+path, rd)
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/json")
	if csrf := b.cookie("csrf_token", "/"); csrf != "" {
		req.Header.Set(middleware.CSRFHeader, csrf)
	}
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (b *browser) login(username, password string) {
	b.t.Helper()
	resp := b.do(http.MethodPost, APIPrefix+"/auth/login", map[string]string{"username": username, "password": password})
	require.Equal(b.t, http.StatusOK, resp.StatusCode, "login: %s", readBody(resp))
}

// bot calls the internal bot API with the pre-shared token.
func bot(t *testing.T, s *Stack, method, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, s.Server.URL+APIPrefix+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.InternalTokenHeader, InternalToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func createUser(t *testing.T, s *Stack, username, password string, role model.Role, mutate func(*model.User)) model.User {
	t.Helper()
	hash, err := s.Hasher.Hash(password)
	require.NoError(t, err)
	name := username
	u := model.User{Username: &name, PasswordHash: hash, Role: role, IsActive: true}
	if mutate != nil {
		mutate(&u)
	}
	require.NoError(t, s.Store.Users().Create(context.Background(), &u))
	return u
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func responseCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
