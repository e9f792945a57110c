package scheduler

import "errors"

var (
	ErrStoreUnavailable = errors.New("schedule store unavailable")
	ErrStopped          = errors.New("scheduler stopped")
	ErrNilStore         = errors.New("schedule store cannot be nil")
	ErrNilSubmitter     = errors.New("submitter cannot be nil")
)
