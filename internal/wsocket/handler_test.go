package wsocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vichat_go_backend/internal/utils/broker"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestAdminEventsRelay(t *testing.T) {
	b := broker.NewBroker()
	h := NewHandler(b, websocket.Upgrader{}, 0, func() interface{} {
		return map[string]int{"active": 2}
	})
	srv := httptest.NewServer(http.HandlerFunc(h.HandleAdminEvents))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return b.Subscribers(PoolEventsTopic) == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Publish(PoolEventsTopic, map[string]string{"type": "failure", "credential_id": "c1"})

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pool_event", msg.Type)
	assert.JSONEq(t, `{"type":"failure","credential_id":"c1"}`, string(msg.Content))

	require.NoError(t, conn.WriteJSON(Message{Type: "get_pool_status"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pool_status", msg.Type)
	var status map[string]int
	require.NoError(t, json.Unmarshal(msg.Content, &status))
	assert.Equal(t, 2, status["active"])
}

func TestUserEventsOnlyOwnTopic(t *testing.T) {
	b := broker.NewBroker()
	h := NewHandler(b, websocket.Upgrader{}, 0, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleUserEvents(w, r, "u1")
	}))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return b.Subscribers(CreditTopicPrefix+"u1") == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Publish(CreditTopicPrefix+"u2", map[string]int64{"balance": 1})
	b.Publish(CreditTopicPrefix+"u1", map[string]int64{"balance": 90})

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "credit_update", msg.Type)
	assert.JSONEq(t, `{"balance":90}`, string(msg.Content))
}

func TestDisconnectUnsubscribes(t *testing.T) {
	b := broker.NewBroker()
	h := NewHandler(b, websocket.Upgrader{}, 0, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleAdminEvents))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return b.Subscribers(PoolEventsTopic) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return b.Subscribers(PoolEventsTopic) == 0 }, 2*time.Second, 10*time.Millisecond)
}
