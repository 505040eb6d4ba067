package channels

import "errors"

var (
	ErrChannelDisconnected = errors.New("channels: adapter is not connected")
	ErrSendFailed          = errors.New("channels: send failed")
	ErrConnectionFailed    = errors.New("channels: connect failed")
)
