package interfaces

import "context"

// Transport is the write side of one live client connection.
type Transport interface {
	// Send writes one encoded message. Implementations must be safe for
	// concurrent use and must preserve the order in which Send calls return
	// from the caller's point of view.
	Send(ctx context.Context, data []byte) error

	// Close releases the underlying socket. Close is idempotent.
	Close() error
}
