package broadcast

import "errors"

var (
	ErrEncodeFailed = errors.New("failed to encode envelope")
	ErrSendFailed   = errors.New("send to connection failed")
)
