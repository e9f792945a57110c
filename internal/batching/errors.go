package batching

import "errors"

var ErrNilSender = errors.New("sender cannot be nil")
