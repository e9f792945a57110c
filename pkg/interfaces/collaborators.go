package interfaces

import "context"

// UnreadCounter looks up how many unread notifications a user has in the
// external notification store.
type UnreadCounter interface {
	LookupUnreadCount(ctx context.Context, userID string) (int, error)
}

// UnreadCounterFunc adapts a function to UnreadCounter.
type UnreadCounterFunc func(ctx context.Context, userID string) (int, error)

func (f UnreadCounterFunc) LookupUnreadCount(ctx context.Context, userID string) (int, error) {
	return f(ctx, userID)
}

// MetricSink receives delivery observations. Implementations must not block.
type MetricSink interface {
	RecordDeliveryMetric(kind string, durationMs int64, success bool)
}

// NopMetricSink discards every observation.
type NopMetricSink struct{}

func (NopMetricSink) RecordDeliveryMetric(string, int64, bool) {}

// SessionMirror mirrors presence bookkeeping into a shared cache so other
// nodes can discover where a user's live connections are.
type SessionMirror interface {
	Register(ctx context.Context, userID, connectionID string) error
	Unregister(ctx context.Context, userID, connectionID string) error
	Count(ctx context.Context, userID string) (int, error)
}
