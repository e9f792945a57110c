package types

import (
	"encoding/json"
	"regexp"
)

var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	keyRegex    = regexp.MustCompile(`^[a-zA-Z0-9_:.-]+$`)
)

const (
	maxTitleLen   = 200
	maxMessageLen = 2000
	maxPayload    = 65536
)

// Validate checks the fields producers are responsible for. Priority and
// Strategy are normalized rather than rejected (see Normalize).
func (n *Notification) Validate() error {
	if !IsValidUserID(n.UserID) {
		return ErrInvalidUserID
	}
	if !IsKnownKind(n.Kind) {
		return ErrUnknownKind
	}
	if n.Title == "" {
		return ErrEmptyTitle
	}
	if len(n.Title) > maxTitleLen {
		return ErrTitleTooLong
	}
	if len(n.Message) > maxMessageLen {
		return ErrMessageTooLong
	}
	if n.Payload != nil {
		raw, err := json.Marshal(n.Payload)
		if err != nil {
			return ErrInvalidPayload
		}
		if len(raw) > maxPayload {
			return ErrPayloadTooLarge
		}
	}
	return nil
}

// Normalize replaces unknown priority and strategy values with defaults.
func (n *Notification) Normalize() {
	switch n.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		n.Priority = PriorityNormal
	}
	switch n.Strategy {
	case StrategyImmediate, StrategyBatched:
	default:
		n.Strategy = StrategyBatched
	}
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidGroupingHint checks a caller-supplied grouping hint.
func IsValidGroupingHint(hint string) bool {
	if len(hint) < 1 || len(hint) > 128 {
		return false
	}
	return keyRegex.MatchString(hint)
}

// IsValidRoom checks a room or topic name.
func IsValidRoom(room string) bool {
	if len(room) < 1 || len(room) > 128 {
		return false
	}
	return keyRegex.MatchString(room)
}
