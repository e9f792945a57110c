package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"herald/internal/logger"
	"herald/internal/registry"
	"herald/pkg/interfaces"
	"herald/pkg/types"
)

// DefaultSendTimeout bounds a single connection write.
const DefaultSendTimeout = 5 * time.Second

// Directory is the slice of the registry the engine needs.
type Directory interface {
	ConnectionsForUser(userID string) []registry.Connection
	ConnectionsForRoom(room string) []registry.Connection
	RecordSend(id string, bytes int)
	Remove(id string) (registry.Connection, bool)
}

// Message is one outbound envelope. Kind labels delivery metrics; it is
// usually the notification kind or, for control traffic, the envelope type.
type Message struct {
	Kind     string
	Envelope types.Envelope
}

// Engine fans messages out to live connections. Sends to different
// connections run concurrently; a failing connection is evicted without
// affecting the others. Per-connection order is the transport's concern.
type Engine struct {
	dir         Directory
	sink        interfaces.MetricSink
	sendTimeout time.Duration
	logger      *slog.Logger
}

type Option func(*Engine)

func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

func WithMetricSink(s interfaces.MetricSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(dir Directory, opts ...Option) *Engine {
	e := &Engine{
		dir:         dir,
		sink:        interfaces.NopMetricSink{},
		sendTimeout: DefaultSendTimeout,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logger.Component("broadcast"))
	return e
}

// SendToUser delivers msg to every live connection of userID and returns
// the number of successful sends. It returns once every send has settled.
func (e *Engine) SendToUser(ctx context.Context, userID string, msg Message) (int, error) {
	return e.fanOut(ctx, e.dir.ConnectionsForUser(userID), msg)
}

// SendToRoom delivers msg to every member of room, skipping connections
// owned by excludeUserID when it is non-empty.
func (e *Engine) SendToRoom(ctx context.Context, room string, msg Message, excludeUserID string) (int, error) {
	conns := e.dir.ConnectionsForRoom(room)
	if excludeUserID != "" {
		kept := conns[:0]
		for _, c := range conns {
			if c.UserID != excludeUserID {
				kept = append(kept, c)
			}
		}
		conns = kept
	}
	return e.fanOut(ctx, conns, msg)
}

// SendToConnection writes msg to one connection, e.g. a welcome or pong.
func (e *Engine) SendToConnection(ctx context.Context, conn registry.Connection, msg Message) error {
	data, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	if !e.send(ctx, conn, msg.Kind, data) {
		return fmt.Errorf("%w: %s", ErrSendFailed, conn.ID)
	}
	return nil
}

func (e *Engine) fanOut(ctx context.Context, conns []registry.Connection, msg Message) (int, error) {
	if len(conns) == 0 {
		return 0, nil
	}

	// Marshal once; every recipient gets the same bytes.
	data, err := json.Marshal(msg.Envelope)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for _, conn := range conns {
		wg.Add(1)
		go func(conn registry.Connection) {
			defer wg.Done()
			if e.send(ctx, conn, msg.Kind, data) {
				mu.Lock()
				sent++
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	return sent, nil
}

// send performs one bounded write. Failure evicts the connection.
func (e *Engine) send(ctx context.Context, conn registry.Connection, kind string, data []byte) bool {
	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	start := time.Now()
	err := conn.Transport.Send(sendCtx, data)
	elapsed := time.Since(start)
	e.sink.RecordDeliveryMetric(kind, elapsed.Milliseconds(), err == nil)

	if err == nil {
		e.dir.RecordSend(conn.ID, len(data))
		return true
	}

	e.logger.LogAttrs(ctx, slog.LevelWarn, "send failed, evicting connection",
		logger.Event("send_failed"),
		logger.ConnectionID(conn.ID),
		logger.UserID(conn.UserID),
		slog.String("kind", kind),
		slog.Duration("elapsed", elapsed),
		logger.Error(err),
	)
	e.dir.Remove(conn.ID)
	return false
}
