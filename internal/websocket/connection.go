package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"herald/pkg/interfaces"
)

var _ interfaces.Transport = (*Connection)(nil)

type writeRequest struct {
	data   []byte
	result chan error
}

// Connection serializes every write to a gorilla connection through one
// writer goroutine, which also sends the heartbeat pings. Send waits for the
// write to complete so callers learn about failures.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan writeRequest
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan writeRequest, cfg.BufferSize),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, req.data)
			req.result <- err
			if err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}

// Send queues data and waits until it is written, ctx expires or the
// connection closes. A full buffer fails fast.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	req := writeRequest{data: data, result: make(chan error, 1)}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- req:
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}
}

// closeWith sends a close frame carrying code before closing.
func (c *Connection) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	_ = c.Close()
}

// Close is idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
