package registry

import "errors"

var (
	ErrCapacityExceeded   = errors.New("connection capacity exceeded")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNilTransport       = errors.New("transport cannot be nil")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrInvalidRoom        = errors.New("invalid room name")
	ErrRegistryClosed     = errors.New("registry is closed")
)
