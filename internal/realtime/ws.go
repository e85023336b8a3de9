package realtime

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/supportpanel/server/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// CloseSessionExpired is sent when the hub drops a client whose token expired.
	CloseSessionExpired = 4401
)

// Authenticator validates the access token presented at handshake.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (auth.AuthContext, error)
}

// Handler upgrades authenticated requests and attaches them to the hub.
type Handler struct {
	hub        *Hub
	auth       Authenticator
	cookieName string
	upgrader   websocket.Upgrader
}

// NewHandler creates the upgrade endpoint. The token is read from the
// "token" query parameter, then from the cookieName cookie.
func NewHandler(hub *Hub, a Authenticator, cookieName string) *Handler {
	return &Handler{
		hub:        hub,
		auth:       a,
		cookieName: cookieName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) token(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(h.cookieName); err == nil {
		return c.Value
	}
	return ""
}

// ServeHTTP refuses the upgrade outright when the token is missing or invalid.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := h.token(r)
	if tok == "" {
		globalMetrics().rejected.Inc()
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	ac, err := h.auth.Authenticate(r.Context(), tok)
	if err != nil {
		globalMetrics().rejected.Inc()
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade: %v", err)
		return
	}

	var expires time.Time
	if ac.Claims != nil && ac.Claims.ExpiresAt != nil {
		expires = ac.Claims.ExpiresAt.Time
	}
	c := NewClient(ac.User.ID, expires)
	h.hub.Register(c)

	go h.writePump(conn, c)
	h.readPump(conn, c)
}

// readPump discards client frames; it exists to notice disconnects and pongs.
func (h *Handler) readPump(conn *websocket.Conn, c *Client) {
	defer func() {
		h.hub.Unregister(c)
		conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *Handler) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame := <-c.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unregister(c)
				return
			}
		case <-c.Done():
			code, text := websocket.CloseGoingAway, "bye"
			if !c.ExpiresAt.IsZero() && h.hub.now().After(c.ExpiresAt) {
				code, text = CloseSessionExpired, "session expired"
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
			return
		}
	}
}
