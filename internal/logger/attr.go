package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func UserID(id string) slog.Attr       { return slog.String("user_id", id) }
func ConnectionID(id string) slog.Attr { return slog.String("connection_id", id) }
func Room(name string) slog.Attr       { return slog.String("room", name) }
func BatchID(id string) slog.Attr      { return slog.String("batch_id", id) }
func ScheduleID(id string) slog.Attr   { return slog.String("schedule_id", id) }

// Component tags records with the subsystem that emitted them.
func Component(name string) slog.Attr { return slog.String("component", name) }

// Event names a lifecycle event, e.g. connection_closed or batch_flushed.
// Events are stable strings suitable for log-based alerting.
func Event(name string) slog.Attr { return slog.String("event", name) }
