package protocol

import "errors"

// Protocol errors. A message rejected with one of these leaves the
// stream in sync, so the connection can keep reading. ErrFrameTooLarge
// is the exception: the stream position is lost and the caller must
// drop the connection.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidPayload   = errors.New("invalid message payload")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrMalformedPacket  = errors.New("malformed media packet")
	ErrLengthMismatch   = errors.New("payload length does not match header")
	ErrUnknownPacket    = errors.New("unknown packet type")
)

// IsProtocolError reports whether err rejects a single message without
// invalidating the stream it was read from.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidPayload)
}
