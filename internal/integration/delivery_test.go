// Package integration drives the hub end to end: producers over the HTTP
// API, recipients over real WebSocket connections and a SQLite schedule
// store on disk.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/api"
	"herald/internal/batching"
	"herald/internal/database"
	"herald/internal/hub"
	"herald/internal/websocket"
	dbconfig "herald/pkg/database"
	"herald/pkg/types"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type node struct {
	hub   *hub.Hub
	api   string
	wsURL string
}

func openStore(t *testing.T, path string) *database.Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = path
	m, err := database.NewManager(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func startNode(t *testing.T, store *database.Manager, cfg hub.Config) *node {
	t.Helper()
	h, err := hub.New(store, cfg)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	ws := websocket.NewHandler(h, websocket.DefaultConfig(), nil)
	srv := httptest.NewServer(api.NewServer(h, ws, nil, nil))
	t.Cleanup(srv.Close)

	return &node{
		hub:   h,
		api:   srv.URL,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (n *node) dial(t *testing.T, userID string) *gws.Conn {
	t.Helper()
	c, _, err := gws.DefaultDialer.Dial(n.wsURL+"?user_id="+userID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	welcome := readEnvelope(t, c, 2*time.Second)
	require.Equal(t, types.EnvelopeConnectionEstablished, welcome.Type)
	return c
}

func (n *node) post(t *testing.T, req hub.DeliverRequest) hub.Receipt {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(n.api+"/api/notifications", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var receipt hub.Receipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	return receipt
}

func readEnvelope(t *testing.T, c *gws.Conn, wait time.Duration) envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(wait))
	var env envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestBatchedFollowsReachEveryConnection(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "herald.db"))
	n := startNode(t, store, hub.Config{NodeID: "node-a", BatchWindow: 300 * time.Millisecond})
	t.Cleanup(func() { _ = n.hub.Stop(context.Background()) })

	phone := n.dial(t, "alice")
	laptop := n.dial(t, "alice")

	var batchID string
	for _, follower := range []string{"bob", "carol", "dave"} {
		receipt := n.post(t, hub.DeliverRequest{
			UserID:       "alice",
			Kind:         "FOLLOW",
			Title:        follower + " followed you",
			GroupingHint: "follow_notifications",
		})
		require.Equal(t, batching.RouteBatched, receipt.Route)
		if batchID == "" {
			batchID = receipt.BatchID
		}
		assert.Equal(t, batchID, receipt.BatchID)
	}

	stats := n.hub.Stats()
	assert.Equal(t, 1, stats.Batching.Pending)
	assert.Equal(t, 3, stats.Batching.PendingMembers)

	for _, c := range []*gws.Conn{phone, laptop} {
		env := readEnvelope(t, c, 2*time.Second)
		require.Equal(t, types.EnvelopeBatchSummary, env.Type)

		var summary batching.Summary
		require.NoError(t, json.Unmarshal(env.Data, &summary))
		assert.Equal(t, batchID, summary.BatchID)
		assert.Equal(t, 3, summary.NotificationCount)
		assert.Equal(t, "follow_notifications", summary.GroupingKey)
		assert.Equal(t, []types.Kind{types.KindFollow}, summary.Kinds)
	}

	assert.Zero(t, n.hub.Stats().Batching.Pending)
}

func TestUrgentBypassesOpenBatch(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "herald.db"))
	n := startNode(t, store, hub.Config{NodeID: "node-a", BatchWindow: time.Minute})
	t.Cleanup(func() { _ = n.hub.Stop(context.Background()) })

	c := n.dial(t, "alice")

	n.post(t, hub.DeliverRequest{UserID: "alice", Kind: types.KindLike, Title: "liked"})
	receipt := n.post(t, hub.DeliverRequest{
		UserID:   "alice",
		Kind:     types.KindLike,
		Title:    "also liked",
		Priority: types.PriorityUrgent,
	})
	assert.Equal(t, batching.RouteImmediate, receipt.Route)
	assert.Equal(t, 1, receipt.Sent)

	env := readEnvelope(t, c, 2*time.Second)
	require.Equal(t, types.EnvelopeNewNotification, env.Type)

	var got types.Notification
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "also liked", got.Title)
}

func TestScheduledEntrySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.db")
	store := openStore(t, path)

	first := startNode(t, store, hub.Config{NodeID: "node-a"})
	fireAt := time.Now().Add(time.Second)
	receipt := first.post(t, hub.DeliverRequest{
		UserID:       "alice",
		Kind:         types.KindSystem,
		Title:        "maintenance starts soon",
		ScheduledFor: &fireAt,
	})
	require.Equal(t, hub.RouteScheduled, receipt.Route)
	require.NoError(t, first.hub.Stop(context.Background()))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	second := startNode(t, store, hub.Config{NodeID: "node-b"})
	t.Cleanup(func() { _ = second.hub.Stop(context.Background()) })
	c := second.dial(t, "alice")

	env := readEnvelope(t, c, 3*time.Second)
	require.Equal(t, types.EnvelopeNewNotification, env.Type)

	var got types.Notification
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "maintenance starts soon", got.Title)
	assert.Nil(t, got.ScheduledFor)
	assert.False(t, got.CreatedAt.IsZero())

	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}
