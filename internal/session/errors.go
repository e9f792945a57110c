package session

import "errors"

var (
	ErrInvalidUserID       = errors.New("invalid user id")
	ErrInvalidConnectionID = errors.New("invalid connection id")
)
