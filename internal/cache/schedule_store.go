package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/logger"
	"herald/pkg/interfaces"
	"herald/pkg/types"
)

var _ interfaces.ScheduleStore = (*ScheduleStore)(nil)

// ScheduleStore keeps each entry under its own key with a TTL and indexes
// entry IDs in a sorted set by fire time. An index member whose key has
// expired is dropped lazily on the next scan.
type ScheduleStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewScheduleStore(client redis.UniversalClient, log *slog.Logger) *ScheduleStore {
	if log == nil {
		log = logger.Nop()
	}
	return &ScheduleStore{
		client: client,
		logger: log.With(logger.Component("redis_store")),
	}
}

func (s *ScheduleStore) PersistScheduledEntry(ctx context.Context, entry types.ScheduledEntry, ttl time.Duration) error {
	entry.Token = ScheduleKey(entry.ID)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled entry: %w", err)
	}
	if ttl <= 0 {
		// A zero expiration means "never expire" to go-redis.
		ttl = time.Millisecond
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, entry.Token, data, ttl)
		p.ZAdd(ctx, ScheduleIndexKey, redis.Z{
			Score:  float64(entry.FireAt.UnixMilli()),
			Member: entry.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist scheduled entry: %w", err)
	}
	return nil
}

func (s *ScheduleStore) DeleteScheduledEntry(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, ScheduleKey(id))
		p.ZRem(ctx, ScheduleIndexKey, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete scheduled entry: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *ScheduleStore) ScanDueEntries(ctx context.Context, before time.Time) ([]types.ScheduledEntry, error) {
	ids, err := s.client.ZRangeByScore(ctx, ScheduleIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ScheduleKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled entries: %w", err)
	}

	entries := make([]types.ScheduledEntry, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var e types.ScheduledEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skipping scheduled entry with corrupt payload",
				logger.ScheduleID(ids[i]), logger.Error(err))
			continue
		}
		entries = append(entries, e)
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, ScheduleIndexKey, stale...).Err(); err != nil {
			s.logger.Warn("failed to prune expired schedule index members", logger.Error(err))
		}
	}
	return entries, nil
}

func (s *ScheduleStore) HealthCheck(ctx context.Context) error {
	return Healthcheck(s.client)(ctx)
}

// Close is a no-op; the client is owned by whoever created it.
func (s *ScheduleStore) Close() error { return nil }
