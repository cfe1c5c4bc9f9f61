package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/api/internal/auth"
	"relay/api/internal/delivery"
	"relay/api/internal/hub"
	"relay/api/internal/store/storetest"
	"relay/api/internal/worker"
)

var testSecret = []byte("test-secret")

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	url   string
	store *storetest.Memory
	hub   *hub.Hub
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()
	pool := worker.New(worker.Options{Workers: 2, QueueSize: 64, TaskTimeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	h := hub.New(hub.Options{AllowedOrigins: []string{"*"}})
	t.Cleanup(h.Stop)

	mem := storetest.NewMemory()
	svc := delivery.NewService(mem, delivery.Options{Transport: h, Tasks: pool})
	server := NewHTTPServer(svc, Options{
		TokenSecret: testSecret,
		Websocket:   h,
		Checks:      checks,
		Tasks:       pool,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, store: mem, hub: h}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueForUser(testSecret, userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.url+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	}
	return resp.StatusCode, payload
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, map[string]Pinger{
		"database": pingerFunc(func(context.Context) error { return nil }),
		"redis":    pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	status, payload := ts.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["ok"])

	status, payload = ts.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "not_ready", payload["status"])
	checks := payload["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "error", checks["redis"].(map[string]any)["status"])
}

func TestRequiresValidToken(t *testing.T) {
	ts := newTestServer(t, nil)

	status, payload := ts.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", payload["code"])

	req, err := http.NewRequest(http.MethodGet, ts.url+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer forged.token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationMessageFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	status, conv := ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{"otherUserId": "bob"})
	require.Equal(t, http.StatusCreated, status)
	convID := conv["id"].(string)

	status, msg := ts.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", "alice", map[string]any{"content": "hi bob"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, msg["isMine"])
	assert.Equal(t, "sent", msg["status"])

	status, page := ts.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	messages := page["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, false, messages[0].(map[string]any)["isMine"])

	status, pending := ts.do(t, http.MethodGet, "/api/messages/pending", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, pending["messages"].([]any), 1)

	status, unread := ts.do(t, http.MethodGet, "/api/conversations/"+convID+"/unread", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), unread["unreadCount"])

	status, read := ts.do(t, http.MethodPost, "/api/conversations/"+convID+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), read["count"])

	status, pending = ts.do(t, http.MethodGet, "/api/messages/pending", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, pending["messages"])

	status, _ = ts.do(t, http.MethodGet, "/api/conversations/"+convID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	status, payload := ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
	assert.Equal(t, map[string]any{"otherUserId": "required"}, payload["details"])

	_, conv := ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{"otherUserId": "bob"})
	convID := conv["id"].(string)

	status, payload = ts.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", "alice", map[string]any{"contentIv": "iv"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, payload["details"], "encryptedContent")

	status, _ = ts.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", "alice", map[string]any{"content": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{"otherUserId": "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestMessageActions(t *testing.T) {
	ts := newTestServer(t, nil)
	_, conv := ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{"otherUserId": "bob"})
	convID := conv["id"].(string)
	_, msg := ts.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", "alice", map[string]any{"content": "v1"})
	msgID := msg["id"].(string)

	status, edited := ts.do(t, http.MethodPatch, "/api/messages/"+msgID, "alice", map[string]any{"content": "v2"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "v2", edited["content"])

	status, history := ts.do(t, http.MethodGet, "/api/messages/"+msgID+"/history", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, history["edits"].([]any), 1)

	status, reaction := ts.do(t, http.MethodPost, "/api/messages/"+msgID+"/reactions", "bob", map[string]any{"emoji": "🔥"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, reaction["removed"])

	status, _ = ts.do(t, http.MethodPost, "/api/messages/"+msgID+"/pin", "bob", nil)
	assert.Equal(t, http.StatusOK, status)
	status, pins := ts.do(t, http.MethodGet, "/api/conversations/"+convID+"/pins", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, pins["messages"].([]any), 1)

	status, _ = ts.do(t, http.MethodPost, "/api/messages/"+msgID+"/read", "bob", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodDelete, "/api/messages/"+msgID+"?forEveryone=true", "bob", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = ts.do(t, http.MethodDelete, "/api/messages/"+msgID+"?forEveryone=true", "alice", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodGet, "/api/messages/msg_missing/history", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, payload := ts.do(t, http.MethodGet, "/api/messages/"+msgID+"/attachment-url", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "UNAVAILABLE", payload["code"])
}

func TestPublicKeyEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	_, conv := ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{"otherUserId": "bob"})
	convID := conv["id"].(string)

	status, key := ts.do(t, http.MethodPut, "/api/conversations/"+convID+"/keys", "alice", map[string]any{"publicKey": "pk-a"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), key["version"])

	status, key = ts.do(t, http.MethodGet, "/api/conversations/"+convID+"/keys/alice", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pk-a", key["publicKey"])

	status, _ = ts.do(t, http.MethodGet, "/api/conversations/"+convID+"/keys/bob", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPresenceSearchAndStats(t *testing.T) {
	ts := newTestServer(t, nil)

	status, presence := ts.do(t, http.MethodGet, "/api/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, presence["online"])

	status, _ = ts.do(t, http.MethodPost, "/api/presence", "alice", map[string]any{"userIds": []string{}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, multi := ts.do(t, http.MethodPost, "/api/presence", "alice", map[string]any{"userIds": []string{"bob", "carol"}})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, multi["presence"], 2)

	status, _ = ts.do(t, http.MethodGet, "/api/search?q=hello", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, stats := ts.do(t, http.MethodGet, "/api/stats", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), stats["connections"])
	assert.Contains(t, stats, "tasks")

	status, _ = ts.do(t, http.MethodGet, "/api/nowhere", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebsocketUpgradeAuthenticatesWithQueryToken(t *testing.T) {
	ts := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/api/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tokenFor(t, "alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.hub.IsUserConnected("alice") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ts.hub.ConnectionCount())
}
