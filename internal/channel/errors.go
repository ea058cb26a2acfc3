package channel

import "errors"

var (
	ErrChannelClosed = errors.New("channel is closed")
	ErrWriteTimeout  = errors.New("write timed out: outbound buffer full")
)
