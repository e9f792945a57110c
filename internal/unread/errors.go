package unread

import "errors"

var (
	ErrEmptyConnectionURL     = errors.New("empty postgres connection url")
	ErrFailedToParseConfig    = errors.New("failed to parse postgres config")
	ErrFailedToOpenConnection = errors.New("failed to open postgres connection")
	ErrHealthcheckFailed      = errors.New("postgres healthcheck failed")
	ErrLookupFailed           = errors.New("unread count lookup failed")
)
