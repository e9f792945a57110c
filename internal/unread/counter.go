// Package unread looks up unread notification counts in the relational
// store that owns notification records.
package unread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"herald/pkg/interfaces"
)

// DefaultQuery counts unread rows for $1.
const DefaultQuery = "SELECT count(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL"

type Config struct {
	ConnectionURL string
	MaxConns      int32
	RetryAttempts int
	RetryInterval time.Duration
}

// Connect opens a pgx pool, pinging it before returning. Failed attempts
// back off linearly by RetryInterval.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	for i := range max(cfg.RetryAttempts, 1) {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToOpenConnection, ctx.Err())
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	return nil, ErrFailedToOpenConnection
}

// Healthcheck returns a probe suitable for the health endpoint.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Querier is the part of pgxpool.Pool the counter needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ interfaces.UnreadCounter = (*Counter)(nil)

type Counter struct {
	db    Querier
	query string
}

// NewCounter builds a counter running query with the user ID as its only
// argument. An empty query selects DefaultQuery.
func NewCounter(db Querier, query string) *Counter {
	if query == "" {
		query = DefaultQuery
	}
	return &Counter{db: db, query: query}
}

func (c *Counter) LookupUnreadCount(ctx context.Context, userID string) (int, error) {
	var n int64
	if err := c.db.QueryRow(ctx, c.query, userID).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	return int(n), nil
}
