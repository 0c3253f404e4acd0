package interfaces

import "errors"

// Transport errors shared by every Connection implementation.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timed out")
	ErrSendQueueFull    = errors.New("send queue full")
)
