// Package session mirrors connection bookkeeping into the shared cache so
// other nodes can see which users are online and where.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/cache"
	"herald/internal/logger"
	"herald/pkg/interfaces"
)

var (
	_ interfaces.SessionMirror = (*RedisMirror)(nil)
	_ interfaces.SessionMirror = Noop{}
)

// DefaultPresenceTTL is how long a user's presence hash survives without a
// refresh. It is longer than the refresh cadence so live users never lapse.
const DefaultPresenceTTL = 15 * time.Minute

// RedisMirror stores, per user, a hash of connectionID -> nodeID. The hash
// expires unless refreshed, which cleans up after a node that died without
// unregistering its connections.
type RedisMirror struct {
	client redis.UniversalClient
	nodeID string
	ttl    time.Duration

	mu    sync.Mutex
	local map[string]map[string]struct{} // userID -> connectionIDs owned by this node

	logger *slog.Logger
}

func NewRedisMirror(client redis.UniversalClient, nodeID string, ttl time.Duration, log *slog.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisMirror{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		local:  make(map[string]map[string]struct{}),
		logger: log.With(logger.Component("session_mirror")),
	}
}

func (m *RedisMirror) Register(ctx context.Context, userID, connectionID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if connectionID == "" {
		return ErrInvalidConnectionID
	}

	key := cache.PresenceKey(userID)
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, connectionID, m.nodeID)
		p.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}

	m.mu.Lock()
	conns, ok := m.local[userID]
	if !ok {
		conns = make(map[string]struct{})
		m.local[userID] = conns
	}
	conns[connectionID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *RedisMirror) Unregister(ctx context.Context, userID, connectionID string) error {
	m.mu.Lock()
	if conns, ok := m.local[userID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(m.local, userID)
		}
	}
	m.mu.Unlock()

	if err := m.client.HDel(ctx, cache.PresenceKey(userID), connectionID).Err(); err != nil {
		return fmt.Errorf("failed to unregister presence: %w", err)
	}
	return nil
}

// Count returns the number of live connections of userID across all nodes.
func (m *RedisMirror) Count(ctx context.Context, userID string) (int, error) {
	n, err := m.client.HLen(ctx, cache.PresenceKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count presence: %w", err)
	}
	return int(n), nil
}

// Nodes returns connectionID -> nodeID for userID across all nodes.
func (m *RedisMirror) Nodes(ctx context.Context, userID string) (map[string]string, error) {
	nodes, err := m.client.HGetAll(ctx, cache.PresenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	return nodes, nil
}

// Refresh extends the TTL of every presence hash this node contributes to.
func (m *RedisMirror) Refresh(ctx context.Context) error {
	m.mu.Lock()
	users := make([]string, 0, len(m.local))
	for userID := range m.local {
		users = append(users, userID)
	}
	m.mu.Unlock()

	if len(users) == 0 {
		return nil
	}
	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, userID := range users {
			p.Expire(ctx, cache.PresenceKey(userID), m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// Close removes every connection this node registered.
func (m *RedisMirror) Close(ctx context.Context) error {
	m.mu.Lock()
	local := m.local
	m.local = make(map[string]map[string]struct{})
	m.mu.Unlock()

	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for userID, conns := range local {
			for connID := range conns {
				p.HDel(ctx, cache.PresenceKey(userID), connID)
			}
		}
		return nil
	})
	if err != nil && len(local) > 0 {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	m.logger.LogAttrs(ctx, slog.LevelInfo, "presence cleared", slog.Int("users", len(local)))
	return nil
}

// Noop is used when no shared cache is configured.
type Noop struct{}

func (Noop) Register(context.Context, string, string) error   { return nil }
func (Noop) Unregister(context.Context, string, string) error { return nil }
func (Noop) Count(context.Context, string) (int, error)       { return 0, nil }
