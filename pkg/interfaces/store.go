package interfaces

import (
	"context"
	"time"

	"herald/pkg/types"
)

// ScheduleStore is the durable store backing deferred notifications.
// It is the only source of truth for pending entries; anything held in
// memory is a cache that must be rebuildable from ScanDueEntries.
type ScheduleStore interface {
	// PersistScheduledEntry stores entry under entry.ID. The record may be
	// discarded by the store once ttl has elapsed.
	PersistScheduledEntry(ctx context.Context, entry types.ScheduledEntry, ttl time.Duration) error

	// DeleteScheduledEntry removes the entry and reports whether it existed.
	DeleteScheduledEntry(ctx context.Context, id string) (bool, error)

	// ScanDueEntries returns every live entry whose FireAt is before the
	// given instant, ordered by FireAt.
	ScanDueEntries(ctx context.Context, before time.Time) ([]types.ScheduledEntry, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
