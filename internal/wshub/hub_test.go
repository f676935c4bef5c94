// ABOUTME: Tests for the websocket hub over real connections
// ABOUTME: Covers auth scopes, event scoping, subscriptions, and commands

package wshub

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapfy/zap-gateway/internal/router"
	"github.com/zapfy/zap-gateway/internal/store"
)

type fakeStats struct{ sessions []string }

func (f *fakeStats) ActiveSessions() []string { return f.sessions }

type hubEnv struct {
	hub    *Hub
	server *httptest.Server
	store  *store.MockStore
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	st := store.NewMockStore()
	require.NoError(t, st.CreateSession(context.Background(), &store.Session{ID: "sess-1", Name: "one"}))
	require.NoError(t, st.CreateSession(context.Background(), &store.Session{ID: "sess-2", Name: "two"}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := New(st, &fakeStats{sessions: []string{"sess-1", "sess-2"}}, Options{
		GlobalSecret: "hub-secret",
		AuthTimeout:  time.Second,
	}, logger)

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return &hubEnv{hub: hub, server: server, store: st}
}

func (e *hubEnv) dial(t *testing.T, secret string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.server.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var welcome outFrame
	require.NoError(t, wsjson.Read(ctx, conn, &welcome))
	require.Equal(t, "welcome", welcome.Type)

	require.NoError(t, wsjson.Write(ctx, conn, &frame{Type: "auth", Secret: secret}))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *outFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out outFrame
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	return &out
}

func testEvent(sessionID, name string) *router.Event {
	return &router.Event{
		SessionID: sessionID,
		Name:      name,
		Data:      map[string]any{"k": "v"},
		Timestamp: time.Now().UTC(),
	}
}

func TestHub_GlobalAuth_SeesAllSessions(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "hub-secret")

	ack := readFrame(t, conn)
	assert.Equal(t, "auth_success", ack.Type)
	assert.Equal(t, "global", ack.Scope)

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, env.hub.Deliver(context.Background(), testEvent("sess-1", "message_received")))
	require.NoError(t, env.hub.Deliver(context.Background(), testEvent("sess-2", "session_connected")))

	first := readFrame(t, conn)
	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "sess-1", first.SessionID)
	assert.Equal(t, "message_received", first.Event)

	second := readFrame(t, conn)
	assert.Equal(t, "sess-2", second.SessionID)
}

func TestHub_SessionAuth_ScopedToOwnEvents(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "sess-1")

	ack := readFrame(t, conn)
	assert.Equal(t, "auth_success", ack.Type)
	assert.Equal(t, "session", ack.Scope)
	assert.Equal(t, "sess-1", ack.SessionID)

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// Another session's event must not reach this client
	require.NoError(t, env.hub.Deliver(context.Background(), testEvent("sess-2", "message_received")))
	require.NoError(t, env.hub.Deliver(context.Background(), testEvent("sess-1", "message_received")))

	got := readFrame(t, conn)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestHub_RejectsUnknownSecret(t *testing.T) {
	env := newHubEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.server.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var out outFrame
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	require.Equal(t, "welcome", out.Type)

	require.NoError(t, wsjson.Write(ctx, conn, &frame{Type: "auth", Secret: "nope"}))

	require.NoError(t, wsjson.Read(ctx, conn, &out))
	assert.Equal(t, "auth_error", out.Type)

	// The server closes the connection after a failed auth
	err = wsjson.Read(ctx, conn, &out)
	require.Error(t, err)
	assert.Equal(t, 0, env.hub.ClientCount())
}

func TestHub_SubscribeFiltersEvents(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "hub-secret")
	readFrame(t, conn) // auth_success

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, &frame{Type: "subscribe", Events: []string{"session_connected"}}))
	ack := readFrame(t, conn)
	require.Equal(t, "subscribed", ack.Type)

	require.NoError(t, env.hub.Deliver(ctx, testEvent("sess-1", "message_received")))
	require.NoError(t, env.hub.Deliver(ctx, testEvent("sess-1", "session_connected")))

	got := readFrame(t, conn)
	assert.Equal(t, "session_connected", got.Event, "unsubscribed event was filtered")
}

func TestHub_AuthFrameEventFilter(t *testing.T) {
	env := newHubEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.server.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var welcome outFrame
	require.NoError(t, wsjson.Read(ctx, conn, &welcome))
	require.Equal(t, "welcome", welcome.Type)

	require.NoError(t, wsjson.Write(ctx, conn, &frame{
		Type:   "auth",
		Secret: "hub-secret",
		Events: []string{"session_connected"},
	}))
	ack := readFrame(t, conn)
	require.Equal(t, "auth_success", ack.Type)

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, env.hub.Deliver(context.Background(), testEvent("sess-1", "message_received")))
	require.NoError(t, env.hub.Deliver(context.Background(), testEvent("sess-1", "session_connected")))

	got := readFrame(t, conn)
	assert.Equal(t, "session_connected", got.Event, "the allow-list from the auth frame filters immediately")
}

func TestHub_PingPong(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "hub-secret")
	readFrame(t, conn) // auth_success

	require.NoError(t, wsjson.Write(context.Background(), conn, &frame{Type: "ping"}))
	got := readFrame(t, conn)
	assert.Equal(t, "pong", got.Type)
}

func TestHub_GetSessions(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "hub-secret")
	readFrame(t, conn) // auth_success

	require.NoError(t, wsjson.Write(context.Background(), conn, &frame{Type: "get_sessions"}))
	got := readFrame(t, conn)
	require.Equal(t, "sessions", got.Type)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, got.Sessions)
}

func TestHub_GetSessions_DeniedForSessionScope(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "sess-1")
	readFrame(t, conn) // auth_success

	require.NoError(t, wsjson.Write(context.Background(), conn, &frame{Type: "get_sessions"}))
	got := readFrame(t, conn)
	assert.Equal(t, "error", got.Type)
}

func TestHub_UnknownCommand(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "hub-secret")
	readFrame(t, conn) // auth_success

	require.NoError(t, wsjson.Write(context.Background(), conn, &frame{Type: "bogus"}))
	got := readFrame(t, conn)
	assert.Equal(t, "error", got.Type)
}
