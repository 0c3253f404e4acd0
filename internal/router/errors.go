package router

import "errors"

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrSenderMismatch     = errors.New("sender_id does not match the connection")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrDuplicateRoute     = errors.New("handler already registered for message type")
)
