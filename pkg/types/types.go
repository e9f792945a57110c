package types

import (
	"time"
)

// Kind identifies what happened. The set is closed: every Kind must have an
// entry in the affinity table (see affinity.go).
type Kind string

const (
	KindFollow          Kind = "follow"
	KindMention         Kind = "mention"
	KindLike            Kind = "like"
	KindComment         Kind = "comment"
	KindDirectMessage   Kind = "direct_message"
	KindAIReplyFinished Kind = "ai_reply_finished"
	KindSystem          Kind = "system"
	KindSecurityAlert   Kind = "security_alert"
)

// AllKinds lists every known Kind in declaration order.
var AllKinds = []Kind{
	KindFollow,
	KindMention,
	KindLike,
	KindComment,
	KindDirectMessage,
	KindAIReplyFinished,
	KindSystem,
	KindSecurityAlert,
}

// Priority of a notification. Urgent notifications are never held in a batch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Strategy is the delivery strategy requested by the producer.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyBatched   Strategy = "batched"
)

// Envelope types sent to clients
const (
	EnvelopeNewNotification       = "new_notification"
	EnvelopeBatchSummary          = "batch_summary"
	EnvelopePong                  = "pong"
	EnvelopeConnectionEstablished = "connection_established"
	EnvelopeError                 = "error"
)

// Notification is a fully formed "deliver this to this user" request.
// Payload is opaque to the delivery plane and travels to the client untouched.
type Notification struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Kind         Kind           `json:"kind"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Priority     Priority       `json:"priority"`
	Strategy     Strategy       `json:"strategy"`
	GroupingHint string         `json:"grouping_hint,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Envelope is the wire shape of every server-to-client message.
type Envelope struct {
	Type        string `json:"type"`
	Data        any    `json:"data"`
	UnreadCount *int   `json:"unread_count,omitempty"`
}

// ClientMessage is the wire shape of client-to-server messages.
type ClientMessage struct {
	Type  string `json:"type"`
	Room  string `json:"room,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// Inbound client message types
const (
	ClientPing        = "ping"
	ClientJoinRoom    = "join_room"
	ClientLeaveRoom   = "leave_room"
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
)

// ScheduledEntry is a notification staged for delivery at FireAt.
// The durable store is the source of truth; Token is whatever the store
// needs to identify the persisted record on recovery.
type ScheduledEntry struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Notification Notification `json:"notification"`
	FireAt       time.Time    `json:"fire_at"`
	CreatedAt    time.Time    `json:"created_at"`
	Token        string       `json:"token,omitempty"`
}

// UserRoom returns the personal room every connection of userID joins.
func UserRoom(userID string) string {
	return "user:" + userID
}
