package hub

import "errors"

var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrHubStopped          = errors.New("hub has been stopped")
	ErrInvalidNotification = errors.New("invalid notification")
	ErrReservedRoom        = errors.New("room is reserved")
	ErrInvalidJobSpec      = errors.New("invalid job schedule")
	ErrNilStore            = errors.New("schedule store cannot be nil")
)
