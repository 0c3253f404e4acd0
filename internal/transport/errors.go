package transport

import (
	"errors"

	"lancollab/pkg/interfaces"
)

var (
	ErrConnectionClosed = interfaces.ErrConnectionClosed
	ErrWriteTimeout     = interfaces.ErrWriteTimeout
	ErrSendQueueFull    = interfaces.ErrSendQueueFull
	ErrNotListening     = errors.New("udp server is not listening")
	ErrDatagramTooLarge = errors.New("datagram exceeds maximum size")
)
