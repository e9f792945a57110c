package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/logger"
	"herald/pkg/interfaces"
	"herald/pkg/types"
)

// Registry tracks every live connection together with a user index and a
// room index. All three structures are guarded by one mutex so that a
// connection ID present in an index is always present in the primary map,
// and vice versa.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*entry              // connectionID -> entry
	users  map[string]map[string]struct{} // userID -> connectionIDs
	rooms  map[string]map[string]struct{} // room -> connectionIDs
	closed bool

	maxConns int
	peak     int
	rejected int64
	evicted  int64
	added    int64

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxConnections sets the capacity ceiling. Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(r *Registry) { r.maxConns = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now, mainly for health sweep tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*entry),
		users:  make(map[string]map[string]struct{}),
		rooms:  make(map[string]map[string]struct{}),
		now:    time.Now,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logger.Component("registry"))
	return r
}

// Add registers a transport for userID and joins it to the user's personal
// room. At capacity the connection is rejected with ErrCapacityExceeded; the
// caller owns the transport in that case.
func (r *Registry) Add(t interfaces.Transport, userID string, metadata map[string]string) (string, error) {
	if t == nil {
		return "", ErrNilTransport
	}
	if !types.IsValidUserID(userID) {
		return "", ErrInvalidUserID
	}

	now := r.now()
	id := uuid.NewString()
	personal := types.UserRoom(userID)

	e := &entry{
		id:            id,
		userID:        userID,
		transport:     t,
		establishedAt: now,
		lastActivity:  now,
		rooms:         map[string]struct{}{personal: {}},
		topics:        make(map[string]struct{}),
		metadata:      make(map[string]string, len(metadata)),
	}
	for k, v := range metadata {
		e.metadata[k] = v
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	if r.maxConns > 0 && len(r.conns) >= r.maxConns {
		r.rejected++
		active := len(r.conns)
		r.mu.Unlock()
		r.logger.LogAttrs(context.Background(), slog.LevelWarn, "connection rejected",
			logger.Event("connection_rejected"),
			logger.UserID(userID),
			slog.Int("active", active),
			slog.Int("max_connections", r.maxConns),
		)
		return "", ErrCapacityExceeded
	}

	r.conns[id] = e
	addIndex(r.users, userID, id)
	addIndex(r.rooms, personal, id)
	r.added++
	if len(r.conns) > r.peak {
		r.peak = len(r.conns)
	}
	active := len(r.conns)
	r.mu.Unlock()

	r.logger.LogAttrs(context.Background(), slog.LevelInfo, "connection registered",
		logger.Event("connection_registered"),
		logger.ConnectionID(id),
		logger.UserID(userID),
		slog.Int("active", active),
	)
	return id, nil
}

// Remove unregisters the connection and closes its transport. Removing an
// unknown or already removed connection is a no-op that returns false.
func (r *Registry) Remove(id string) (Connection, bool) {
	r.mu.Lock()
	e, ok := r.removeLocked(id)
	r.mu.Unlock()
	if !ok {
		return Connection{}, false
	}

	r.closeTransport(e)
	r.logger.LogAttrs(context.Background(), slog.LevelInfo, "connection closed",
		logger.Event("connection_closed"),
		logger.ConnectionID(e.id),
		logger.UserID(e.userID),
		slog.Duration("lifetime", r.now().Sub(e.establishedAt)),
		slog.Int64("messages_sent", e.messagesSent),
		slog.Int64("messages_received", e.messagesReceived),
	)
	return e.snapshot(), true
}

// removeLocked drops id from every index. Callers hold r.mu.
func (r *Registry) removeLocked(id string) (*entry, bool) {
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	removeIndex(r.users, e.userID, id)
	for room := range e.rooms {
		removeIndex(r.rooms, room, id)
	}
	return e, true
}

func (r *Registry) closeTransport(e *entry) {
	if err := e.transport.Close(); err != nil {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "transport close failed",
			logger.ConnectionID(e.id),
			logger.Error(err),
		)
	}
}

// JoinRoom adds the connection to room. Joining twice is a no-op.
func (r *Registry) JoinRoom(id, room string) error {
	if !types.IsValidRoom(room) {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	e.rooms[room] = struct{}{}
	addIndex(r.rooms, room, id)
	return nil
}

// LeaveRoom removes the connection from room. A room left with no members
// is deleted.
func (r *Registry) LeaveRoom(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(e.rooms, room)
	removeIndex(r.rooms, room, id)
	return nil
}

// Subscribe records a topic subscription on the connection.
func (r *Registry) Subscribe(id, topic string) error {
	if !types.IsValidRoom(topic) {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	e.topics[topic] = struct{}{}
	return nil
}

func (r *Registry) Unsubscribe(id, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(e.topics, topic)
	return nil
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return e.snapshot(), true
}

// ConnectionsForUser returns snapshots of every live connection of userID.
func (r *Registry) ConnectionsForUser(userID string) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(r.users[userID])
}

// ConnectionsForRoom returns snapshots of every member of room.
func (r *Registry) ConnectionsForRoom(room string) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(r.rooms[room])
}

func (r *Registry) collectLocked(ids map[string]struct{}) []Connection {
	out := make([]Connection, 0, len(ids))
	for id := range ids {
		if e, ok := r.conns[id]; ok {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// RecordSend counts one successful outbound message.
func (r *Registry) RecordSend(id string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[id]; ok {
		e.messagesSent++
		e.bytesSent += int64(bytes)
		e.lastActivity = r.now()
	}
}

// RecordReceive counts one inbound message.
func (r *Registry) RecordReceive(id string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[id]; ok {
		e.messagesReceived++
		e.bytesReceived += int64(bytes)
		e.lastActivity = r.now()
	}
}

// Touch refreshes last activity without counting a message, e.g. on pong.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[id]; ok {
		e.lastActivity = r.now()
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close removes every connection and closes its transport. Further Adds
// fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.conns))
	for id := range r.conns {
		if e, ok := r.removeLocked(id); ok {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		r.closeTransport(e)
	}
	r.logger.LogAttrs(context.Background(), slog.LevelInfo, "registry closed",
		slog.Int("closed_connections", len(entries)),
	)
	return nil
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
