package network

import "errors"

var (
	// ErrBind wraps a listen failure. It aborts startup.
	ErrBind = errors.New("failed to bind listener")

	ErrJoinRequired   = errors.New("first message must be client_join")
	ErrAlreadyJoined  = errors.New("client has already joined")
	ErrShuttingDown   = errors.New("server is shutting down")
	ErrNotListening   = errors.New("server is not listening")
	ErrFileNotFound   = errors.New("file not found")
	ErrAlreadyServing = errors.New("server is already serving")
)

// errLeave ends the receive loop after a client_leave.
var errLeave = errors.New("client left")
