package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/auth"
	"github.com/supportpanel/server/internal/model"
)

func decode(t *testing.T, frame []byte) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func TestHub_PublishFansOut(t *testing.T) {
	hub := NewHub(nil)
	a := NewClient(uuid.New(), time.Time{})
	b := NewClient(uuid.New(), time.Time{})
	hub.Register(a)
	hub.Register(b)

	hub.Publish(ChatUpdated, map[string]any{"id": "c1", "unread_count": 0})

	for _, c := range []*Client{a, b} {
		select {
		case frame := <-c.Frames():
			env := decode(t, frame)
			assert.Equal(t, ChatUpdated, env.Event)
			assert.Equal(t, "c1", env.Data.(map[string]any)["id"])
		default:
			t.Fatal("client did not receive the event")
		}
	}
}

func TestHub_SlowClientIsDroppedAlone(t *testing.T) {
	hub := NewHub(nil)
	slow := NewClient(uuid.New(), time.Time{})
	fast := NewClient(uuid.New(), time.Time{})
	hub.Register(slow)
	hub.Register(fast)

	for i := 0; i < sendBuffer; i++ {
		hub.Publish(MessageCreated, i)
		<-fast.Frames()
	}
	hub.Publish(MessageCreated, "overflow")

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client should have been dropped")
	}
	select {
	case frame := <-fast.Frames():
		assert.Equal(t, "overflow", decode(t, frame).Data)
	default:
		t.Fatal("fast client missed the event")
	}
	assert.Equal(t, 1, hub.Count())
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	c := NewClient(uuid.New(), time.Time{})
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c)
	assert.Equal(t, 0, hub.Count())

	hub.Publish(ChatDeleted, map[string]string{"id": "x"})
	assert.Len(t, c.Frames(), 0)
}

func TestHub_SweepExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	hub := NewHub(func() time.Time { return now })
	expired := NewClient(uuid.New(), now.Add(-time.Second))
	live := NewClient(uuid.New(), now.Add(time.Minute))
	forever := NewClient(uuid.New(), time.Time{})
	hub.Register(expired)
	hub.Register(live)
	hub.Register(forever)

	assert.Equal(t, 1, hub.SweepExpired())
	assert.Equal(t, 2, hub.Count())
	select {
	case <-expired.Done():
	default:
		t.Fatal("expired client not closed")
	}
}

type fakeAuth struct {
	token string
	user  model.User
	exp   time.Time
}

func (f fakeAuth) Authenticate(_ context.Context, tok string) (auth.AuthContext, error) {
	if tok != f.token {
		return auth.AuthContext{}, errors.New("bad token")
	}
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(f.exp)}}
	return auth.AuthContext{User: f.user, Claims: claims}, nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandler_Handshake(t *testing.T) {
	hub := NewHub(nil)
	fa := fakeAuth{token: "good", user: model.User{ID: uuid.New()}, exp: time.Now().Add(time.Hour)}
	srv := httptest.NewServer(NewHandler(hub, fa, "access_token"))
	defer srv.Close()

	t.Run("missing token is refused", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token is refused", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=bad", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("cookie token receives events", func(t *testing.T) {
		header := http.Header{}
		header.Set("Cookie", "access_token=good")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)
		hub.Publish(TemplateDeleted, map[string]string{"id": "t1"})

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		env := decode(t, frame)
		assert.Equal(t, TemplateDeleted, env.Event)
	})

	t.Run("query token and disconnect unregisters", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=good", nil)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return hub.Count() >= 1 }, time.Second, 10*time.Millisecond)
		conn.Close()
		require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestHandler_ExpiredSessionClosesWith4401(t *testing.T) {
	now := time.Now()
	clock := now
	hub := NewHub(func() time.Time { return clock })
	fa := fakeAuth{token: "good", user: model.User{ID: uuid.New()}, exp: now.Add(time.Minute)}
	srv := httptest.NewServer(NewHandler(hub, fa, "access_token"))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	clock = now.Add(2 * time.Minute)
	assert.Equal(t, 1, hub.SweepExpired())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseSessionExpired, ce.Code)
}
