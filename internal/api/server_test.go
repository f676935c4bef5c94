// ABOUTME: HTTP-level tests for the API server over httptest
// ABOUTME: Covers auth, session lifecycle routes, messaging, queue, and health

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapfy/zap-gateway/internal/dedupe"
	"github.com/zapfy/zap-gateway/internal/protocol"
	"github.com/zapfy/zap-gateway/internal/queue"
	"github.com/zapfy/zap-gateway/internal/session"
	"github.com/zapfy/zap-gateway/internal/store"
)

const testAPIKey = "test-api-key"

type apiEnv struct {
	server  *httptest.Server
	store   *store.MockStore
	factory *protocol.LoopbackFactory
	manager *session.Manager
	queue   *queue.Queue
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMockStore()
	factory := protocol.NewLoopbackFactory()
	caches := dedupe.NewSet(5 * time.Minute)
	t.Cleanup(caches.Close)

	mgr := session.NewManager(st, factory, nil, caches, session.Options{
		MaxReconnectAttempts: 5,
		MaxQRRetries:         5,
		ReconnectBaseDelay:   time.Millisecond,
	}, logger)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	q := queue.New(mgr, time.Millisecond, logger)
	t.Cleanup(q.Shutdown)

	srv := NewServer(st, mgr, q, nil, testAPIKey, NewJWTVerifier([]byte("jwt-secret")), logger)
	ts := httptest.NewServer(srv.Routes(nil))
	t.Cleanup(ts.Close)

	return &apiEnv{server: ts, store: st, factory: factory, manager: mgr, queue: q}
}

// call performs an authenticated request and decodes the envelope.
func (e *apiEnv) call(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	return e.callWith(t, method, path, body, func(r *http.Request) {
		r.Header.Set(APIKeyHeader, testAPIKey)
	})
}

func (e *apiEnv) callWith(t *testing.T, method, path string, body any, mod func(*http.Request)) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if mod != nil {
		mod(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (e *apiEnv) createSession(t *testing.T, id, name string) {
	t.Helper()
	status, env := e.call(t, http.MethodPost, "/api/sessions", map[string]string{"id": id, "name": name})
	require.Equal(t, http.StatusOK, status, env.Message)
}

func (e *apiEnv) connectAndPair(t *testing.T, id string) {
	t.Helper()
	status, _ := e.call(t, http.MethodPost, "/api/sessions/"+id+"/connect", nil)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		return e.factory.Conn(id) != nil
	}, time.Second, 2*time.Millisecond)
	e.factory.Conn(id).Pair()

	require.Eventually(t, func() bool {
		return e.manager.IsConnected(context.Background(), id)
	}, time.Second, 2*time.Millisecond)
}

func dataMap(t *testing.T, env envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "expected object data, got %T", env.Data)
	return m
}

func TestAuth(t *testing.T) {
	env := newAPIEnv(t)

	t.Run("missing credentials", func(t *testing.T) {
		status, resp := env.callWith(t, http.MethodGet, "/api/sessions", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.False(t, resp.Success)
	})

	t.Run("wrong api key", func(t *testing.T) {
		status, _ := env.callWith(t, http.MethodGet, "/api/sessions", nil, func(r *http.Request) {
			r.Header.Set(APIKeyHeader, "wrong")
		})
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("valid api key", func(t *testing.T) {
		status, resp := env.call(t, http.MethodGet, "/api/sessions", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, resp.Success)
	})

	t.Run("valid bearer token", func(t *testing.T) {
		token, err := NewJWTVerifier([]byte("jwt-secret")).Generate("ops", time.Minute)
		require.NoError(t, err)
		status, _ := env.callWith(t, http.MethodGet, "/api/sessions", nil, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		})
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("bad bearer token", func(t *testing.T) {
		status, _ := env.callWith(t, http.MethodGet, "/api/sessions", nil, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer not-a-token")
		})
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("health is public", func(t *testing.T) {
		status, resp := env.callWith(t, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, resp.Success)
	})

	t.Run("session key scoped to own routes", func(t *testing.T) {
		env.createSession(t, "sess-own", "own")
		env.createSession(t, "sess-other", "other")
		withKey := func(key string) func(*http.Request) {
			return func(r *http.Request) { r.Header.Set(APIKeyHeader, key) }
		}

		status, _ := env.callWith(t, http.MethodGet, "/api/sessions/sess-own/status", nil, withKey("sess-own"))
		assert.Equal(t, http.StatusOK, status, "a session authenticates its own routes with its id")

		status, _ = env.callWith(t, http.MethodGet, "/api/queue/sess-own", nil, withKey("sess-own"))
		assert.Equal(t, http.StatusOK, status)

		body := map[string]any{"session_id": "sess-own", "to": "peer@s.net", "content": map[string]string{"text": "hi"}}
		status, _ = env.callWith(t, http.MethodPost, "/api/messages/send", body, withKey("sess-own"))
		assert.Equal(t, http.StatusConflict, status, "send passes auth; not-connected is the handler's verdict")

		status, _ = env.callWith(t, http.MethodGet, "/api/sessions", nil, withKey("sess-own"))
		assert.Equal(t, http.StatusUnauthorized, status, "a session key opens no global routes")

		status, _ = env.callWith(t, http.MethodGet, "/api/sessions/sess-other/status", nil, withKey("sess-own"))
		assert.Equal(t, http.StatusUnauthorized, status, "a session key does not cross sessions")

		status, _ = env.callWith(t, http.MethodGet, "/api/sessions/ghost/status", nil, withKey("ghost"))
		assert.Equal(t, http.StatusUnauthorized, status, "an unknown session id is not a credential")
	})
}

func TestCreateSession(t *testing.T) {
	env := newAPIEnv(t)

	status, resp := env.call(t, http.MethodPost, "/api/sessions", map[string]string{"name": "primary"})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	data := dataMap(t, resp)
	assert.NotEmpty(t, data["id"], "an id is minted when none is given")
	assert.Equal(t, store.StatusUninitialized, data["status"])

	t.Run("missing name", func(t *testing.T) {
		status, _ := env.call(t, http.MethodPost, "/api/sessions", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("duplicate name", func(t *testing.T) {
		status, resp := env.call(t, http.MethodPost, "/api/sessions", map[string]string{"name": "primary"})
		assert.Equal(t, http.StatusConflict, status)
		assert.False(t, resp.Success)
	})

	t.Run("connect on create", func(t *testing.T) {
		body := map[string]any{"id": "sess-eager", "name": "eager", "connect": true}
		status, resp := env.call(t, http.MethodPost, "/api/sessions", body)
		require.Equal(t, http.StatusOK, status, resp.Message)

		require.Eventually(t, func() bool {
			return env.factory.Conn("sess-eager") != nil
		}, time.Second, 5*time.Millisecond, "connection started without a separate connect call")
	})
}

func TestConnectAndQR(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t, "sess-1", "one")

	status, _ := env.call(t, http.MethodPost, "/api/sessions/sess-1/connect", nil)
	require.Equal(t, http.StatusOK, status)

	// The QR lands asynchronously via the event pipeline
	require.Eventually(t, func() bool {
		status, resp := env.call(t, http.MethodGet, "/api/sessions/sess-1/qr", nil)
		return status == http.StatusOK && dataMap(t, resp)["qr"] != ""
	}, time.Second, 5*time.Millisecond)

	t.Run("qr missing for unconnected session", func(t *testing.T) {
		env.createSession(t, "sess-2", "two")
		status, _ := env.call(t, http.MethodGet, "/api/sessions/sess-2/qr", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("unknown session", func(t *testing.T) {
		status, _ := env.call(t, http.MethodGet, "/api/sessions/nope/qr", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestSessionStatus(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t, "sess-1", "one")
	env.connectAndPair(t, "sess-1")

	require.Eventually(t, func() bool {
		status, resp := env.call(t, http.MethodGet, "/api/sessions/sess-1/status", nil)
		if status != http.StatusOK {
			return false
		}
		data := dataMap(t, resp)
		return data["status"] == store.StatusConnected && data["connected"] == true
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteSession(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t, "sess-1", "one")
	env.connectAndPair(t, "sess-1")
	require.True(t, env.store.HasCredentials("sess-1"))

	status, resp := env.call(t, http.MethodDelete, "/api/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	assert.False(t, env.store.HasCredentials("sess-1"), "credentials purged on delete")
	_, err := env.store.GetSession(context.Background(), "sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	status, _ = env.call(t, http.MethodDelete, "/api/sessions/sess-1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSessionConfigRoundTrip(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t, "sess-1", "one")

	status, resp := env.call(t, http.MethodGet, "/api/sessions/sess-1/config", nil)
	require.Equal(t, http.StatusOK, status)
	data := dataMap(t, resp)
	assert.Equal(t, false, data["webhook_enabled"], "defaults are zero-valued")

	update := map[string]any{
		"webhook_url":     "https://example.net/hook",
		"webhook_enabled": true,
		"events":          []string{"message_received"},
		"auto_read":       true,
	}
	status, _ = env.call(t, http.MethodPut, "/api/sessions/sess-1/config", update)
	require.Equal(t, http.StatusOK, status)

	_, resp = env.call(t, http.MethodGet, "/api/sessions/sess-1/config", nil)
	data = dataMap(t, resp)
	assert.Equal(t, true, data["webhook_enabled"])
	assert.Equal(t, "https://example.net/hook", data["webhook_url"])
}

func TestSendMessage(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t, "sess-1", "one")

	body := map[string]any{
		"session_id": "sess-1",
		"to":         "peer@s.net",
		"content":    map[string]string{"text": "hello"},
	}

	t.Run("not connected", func(t *testing.T) {
		status, resp := env.call(t, http.MethodPost, "/api/messages/send", body)
		assert.Equal(t, http.StatusConflict, status)
		assert.False(t, resp.Success)
	})

	env.connectAndPair(t, "sess-1")

	status, resp := env.call(t, http.MethodPost, "/api/messages/send", body)
	require.Equal(t, http.StatusOK, status, resp.Message)
	data := dataMap(t, resp)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, float64(1), data["position"])

	require.Eventually(t, func() bool {
		return len(env.factory.Conn("sess-1").Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	sent := env.factory.Conn("sess-1").Sent()[0]
	assert.Equal(t, "peer@s.net", sent.To)
	assert.JSONEq(t, `{"text":"hello"}`, sent.Content)

	t.Run("unknown session", func(t *testing.T) {
		bad := map[string]any{"session_id": "nope", "to": "x", "content": map[string]string{"text": "y"}}
		status, _ := env.call(t, http.MethodPost, "/api/messages/send", bad)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("missing fields", func(t *testing.T) {
		status, _ := env.call(t, http.MethodPost, "/api/messages/send", map[string]any{"session_id": "sess-1"})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestQueueRoutes(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t, "sess-1", "one")
	env.connectAndPair(t, "sess-1")

	// Long per-item delay keeps items queued while we inspect them
	for i := 0; i < 3; i++ {
		body := map[string]any{
			"session_id": "sess-1",
			"to":         "peer@s.net",
			"content":    map[string]string{"text": "hi"},
			"delay_ms":   500,
		}
		status, _ := env.call(t, http.MethodPost, "/api/messages/send", body)
		require.Equal(t, http.StatusOK, status)
	}

	status, resp := env.call(t, http.MethodGet, "/api/queue/sess-1", nil)
	require.Equal(t, http.StatusOK, status)
	data := dataMap(t, resp)
	assert.Equal(t, true, data["draining"])

	status, resp = env.call(t, http.MethodDelete, "/api/queue/sess-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, dataMap(t, resp)["removed"], float64(1))

	_, resp = env.call(t, http.MethodGet, "/api/queue/sess-1", nil)
	assert.Equal(t, float64(0), dataMap(t, resp)["pending"])
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t, "sess-1", "one")
	env.connectAndPair(t, "sess-1")

	status, resp := env.callWith(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	data := dataMap(t, resp)
	assert.Equal(t, "ok", data["status"])

	sessions, ok := data["sessions"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), sessions["connected"])
}
