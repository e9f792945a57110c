package types

import "errors"

// Validation errors for notifications and client input
var (
	ErrInvalidUserID       = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrUnknownKind         = errors.New("unknown notification kind")
	ErrEmptyTitle          = errors.New("notification title cannot be empty")
	ErrTitleTooLong        = errors.New("notification title exceeds 200 characters")
	ErrMessageTooLong      = errors.New("notification message exceeds 2000 characters")
	ErrPayloadTooLarge     = errors.New("notification payload exceeds 64KB limit")
	ErrInvalidPayload      = errors.New("notification payload is not valid JSON")
	ErrInvalidGroupingHint = errors.New("grouping hint must be 1-128 characters, alphanumeric + _-:. only")
	ErrInvalidRoom         = errors.New("room name must be 1-128 characters, alphanumeric + _-:. only")
)
