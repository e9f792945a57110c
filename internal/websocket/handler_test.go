package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/hub"
	"herald/pkg/types"
)

type nopStore struct{}

func (nopStore) PersistScheduledEntry(context.Context, types.ScheduledEntry, time.Duration) error {
	return nil
}
func (nopStore) DeleteScheduledEntry(context.Context, string) (bool, error) { return false, nil }
func (nopStore) ScanDueEntries(context.Context, time.Time) ([]types.ScheduledEntry, error) {
	return nil, nil
}
func (nopStore) HealthCheck(context.Context) error { return nil }
func (nopStore) Close() error                      { return nil }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newServer(t *testing.T, hubCfg hub.Config, wsCfg Config) (*hub.Hub, string) {
	t.Helper()
	h, err := hub.New(nopStore{}, hubCfg)
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(h, wsCfg, nil))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, userID string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url+"?user_id="+userID+"&client_version=1.2.0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	welcome := read(t, c)
	require.Equal(t, types.EnvelopeConnectionEstablished, welcome.Type)
	return c
}

func read(t *testing.T, c *websocket.Conn) envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func send(t *testing.T, c *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	require.NoError(t, c.WriteJSON(msg))
}

func TestHandler_RejectsMissingUserID(t *testing.T) {
	h, err := hub.New(nopStore{}, hub.Config{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	NewHandler(h, Config{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PingPong(t *testing.T) {
	_, url := newServer(t, hub.Config{}, Config{})
	c := dial(t, url, "alice")

	send(t, c, types.ClientMessage{Type: types.ClientPing})
	assert.Equal(t, types.EnvelopePong, read(t, c).Type)
}

func TestHandler_ProtocolErrors(t *testing.T) {
	_, url := newServer(t, hub.Config{}, Config{})
	c := dial(t, url, "alice")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{nope")))
	env := read(t, c)
	require.Equal(t, types.EnvelopeError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, CodeInvalidMessage, data.Code)

	send(t, c, types.ClientMessage{Type: "dance"})
	env = read(t, c)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, CodeUnknownType, data.Code)

	send(t, c, types.ClientMessage{Type: types.ClientJoinRoom, Room: "user:bob"})
	env = read(t, c)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, CodeRejected, data.Code)
}

func TestHandler_RoomsAndDelivery(t *testing.T) {
	h, url := newServer(t, hub.Config{}, Config{})
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	send(t, bob, types.ClientMessage{Type: types.ClientJoinRoom, Room: "launch"})
	ack := read(t, bob)
	assert.Equal(t, types.ClientJoinRoom, ack.Type)
	var a AckData
	require.NoError(t, json.Unmarshal(ack.Data, &a))
	assert.Equal(t, "launch", a.Target)

	sent, err := h.BroadcastToRoom(context.Background(), "launch", types.Envelope{Data: "liftoff"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, types.EnvelopeNewNotification, read(t, bob).Type)

	r, err := h.Deliver(context.Background(), hub.DeliverRequest{
		UserID: "alice",
		Kind:   types.KindSecurityAlert,
		Title:  "new login",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Sent)
	env := read(t, alice)
	assert.Equal(t, types.EnvelopeNewNotification, env.Type)
	var n types.Notification
	require.NoError(t, json.Unmarshal(env.Data, &n))
	assert.Equal(t, "new login", n.Title)
}

func TestHandler_CapacityClosesWithTryAgainLater(t *testing.T) {
	_, url := newServer(t, hub.Config{MaxConnections: 1}, Config{})
	dial(t, url, "alice")

	c, _, err := websocket.DefaultDialer.Dial(url+"?user_id=bob", nil)
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestHandler_RateLimit(t *testing.T) {
	_, url := newServer(t, hub.Config{}, Config{MessageRate: 0.001, MessageBurst: 1})
	c := dial(t, url, "alice")

	send(t, c, types.ClientMessage{Type: types.ClientPing})
	send(t, c, types.ClientMessage{Type: types.ClientPing})

	assert.Equal(t, types.EnvelopePong, read(t, c).Type)
	env := read(t, c)
	require.Equal(t, types.EnvelopeError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, CodeRateLimited, data.Code)
}

func TestHandler_ClientCloseDisconnects(t *testing.T) {
	h, url := newServer(t, hub.Config{}, Config{})
	c := dial(t, url, "alice")
	assert.Equal(t, 1, h.Stats().Connections.Active)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return h.Stats().Connections.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}
