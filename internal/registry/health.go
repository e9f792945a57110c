package registry

import (
	"context"
	"log/slog"
	"time"

	"herald/internal/logger"
)

// Stats is a point-in-time view of the registry.
type Stats struct {
	Active     int            `json:"active"`
	PeakActive int            `json:"peak_active"`
	Users      int            `json:"users"`
	ByRoom     map[string]int `json:"by_room"`
	ByUser     map[string]int `json:"by_user"`
	Added      int64          `json:"added"`
	Rejected   int64          `json:"rejected"`
	Evicted    int64          `json:"evicted"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Active:     len(r.conns),
		PeakActive: r.peak,
		Users:      len(r.users),
		ByRoom:     make(map[string]int, len(r.rooms)),
		ByUser:     make(map[string]int, len(r.users)),
		Added:      r.added,
		Rejected:   r.rejected,
		Evicted:    r.evicted,
	}
	for room, ids := range r.rooms {
		s.ByRoom[room] = len(ids)
	}
	for user, ids := range r.users {
		s.ByUser[user] = len(ids)
	}
	return s
}

// Sweep evicts every connection whose last activity is older than
// threshold relative to now, and returns the evicted snapshots.
func (r *Registry) Sweep(now time.Time, threshold time.Duration) []Connection {
	r.mu.Lock()
	var stale []*entry
	for id, e := range r.conns {
		if now.Sub(e.lastActivity) <= threshold {
			continue
		}
		if removed, ok := r.removeLocked(id); ok {
			stale = append(stale, removed)
		}
	}
	r.evicted += int64(len(stale))
	r.mu.Unlock()

	out := make([]Connection, 0, len(stale))
	for _, e := range stale {
		r.closeTransport(e)
		r.logger.LogAttrs(context.Background(), slog.LevelWarn, "connection evicted",
			logger.Event("connection_evicted"),
			logger.ConnectionID(e.id),
			logger.UserID(e.userID),
			slog.Duration("idle", now.Sub(e.lastActivity)),
		)
		out = append(out, e.snapshot())
	}
	return out
}

// SweepNow runs Sweep against the registry clock.
func (r *Registry) SweepNow(threshold time.Duration) []Connection {
	return r.Sweep(r.now(), threshold)
}
