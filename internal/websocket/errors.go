package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("observer connection closed")
	ErrWriteTimeout     = errors.New("observer write timed out")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrBufferFull       = errors.New("observer buffer full")
)

// Registry errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrObserverLimit = errors.New("too many observers")
)
