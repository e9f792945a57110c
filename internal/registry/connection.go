package registry

import (
	"maps"
	"slices"
	"time"

	"herald/pkg/interfaces"
)

// Connection is a point-in-time copy of one live connection. Mutating it has
// no effect on the registry.
type Connection struct {
	ID               string
	UserID           string
	EstablishedAt    time.Time
	LastActivity     time.Time
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	Rooms            []string
	Topics           []string
	Metadata         map[string]string

	// Transport is borrowed for the duration of one send. Only the registry
	// closes it.
	Transport interfaces.Transport
}

// entry is the registry-owned record behind a Connection.
type entry struct {
	id               string
	userID           string
	transport        interfaces.Transport
	establishedAt    time.Time
	lastActivity     time.Time
	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
	rooms            map[string]struct{}
	topics           map[string]struct{}
	metadata         map[string]string
}

func (e *entry) snapshot() Connection {
	rooms := slices.Sorted(maps.Keys(e.rooms))
	topics := slices.Sorted(maps.Keys(e.topics))
	return Connection{
		ID:               e.id,
		UserID:           e.userID,
		EstablishedAt:    e.establishedAt,
		LastActivity:     e.lastActivity,
		MessagesSent:     e.messagesSent,
		MessagesReceived: e.messagesReceived,
		BytesSent:        e.bytesSent,
		BytesReceived:    e.bytesReceived,
		Rooms:            rooms,
		Topics:           topics,
		Metadata:         maps.Clone(e.metadata),
		Transport:        e.transport,
	}
}
