package interfaces

import (
	"net"

	"lancollab/pkg/protocol"
)

// Connection is the server side of one client control channel.
// Implementations must be safe for concurrent use: every write goes
// through a single writer so frames never interleave.
type Connection interface {
	// Send encodes msg and queues it for the client. It fails once the
	// connection is closed or when the write does not complete within
	// the send timeout.
	Send(msg *protocol.Message) error

	// SendFrame queues an already encoded frame without blocking; a
	// full queue yields ErrSendQueueFull. Broadcasts encode once and
	// hand the same frame to every recipient.
	SendFrame(frame []byte) error

	// SendAndClose queues msg and closes the connection once it has
	// been written (or the send timeout expired).
	SendAndClose(msg *protocol.Message) error

	// Close closes the connection. Calling it more than once is harmless.
	Close() error

	RemoteAddr() net.Addr
	IsClosed() bool
}

// PacketSender writes raw datagrams to a media address.
type PacketSender interface {
	SendPacket(data []byte, addr *net.UDPAddr) error
}
