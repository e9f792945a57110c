package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/cache"
)

func TestNoop(t *testing.T) {
	ctx := context.Background()
	var m Noop
	require.NoError(t, m.Register(ctx, "alice", "c1"))
	n, err := m.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, m.Unregister(ctx, "alice", "c1"))
}

func newRedisMirror(t *testing.T, node string) *RedisMirror {
	t.Helper()
	url := os.Getenv("HERALD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HERALD_TEST_REDIS_URL not set")
	}
	client, err := cache.Connect(context.Background(), cache.Config{
		ConnectionURL:  url,
		RetryAttempts:  1,
		RetryInterval:  time.Second,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMirror(client, node, time.Minute, nil)
}

func TestRedisMirror_Validation(t *testing.T) {
	m := NewRedisMirror(nil, "node-a", 0, nil)
	assert.Equal(t, DefaultPresenceTTL, m.ttl)
	assert.ErrorIs(t, m.Register(context.Background(), "", "c1"), ErrInvalidUserID)
	assert.ErrorIs(t, m.Register(context.Background(), "alice", ""), ErrInvalidConnectionID)
}

func TestRedisMirror_AcrossNodes(t *testing.T) {
	a := newRedisMirror(t, "node-a")
	b := newRedisMirror(t, "node-b")
	ctx := context.Background()
	user := "presence-" + uuid.NewString()[:8]

	require.NoError(t, a.Register(ctx, user, "c1"))
	require.NoError(t, b.Register(ctx, user, "c2"))

	n, err := a.Count(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	nodes, err := b.Nodes(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c1": "node-a", "c2": "node-b"}, nodes)

	require.NoError(t, a.Refresh(ctx))
	require.NoError(t, a.Close(ctx))

	n, err = b.Count(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "closing node-a leaves node-b's connection")

	require.NoError(t, b.Unregister(ctx, user, "c2"))
	n, err = b.Count(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, n)
}
