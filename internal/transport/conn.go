// Package transport wraps the TCP and UDP sockets of the server.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/pkg/protocol"
)

// Defaults for ConnOptions fields left at zero.
const (
	DefaultSendTimeout = 2 * time.Second
	DefaultQueueSize   = 256
)

// ConnOptions tunes a Conn.
type ConnOptions struct {
	// SendTimeout bounds both waiting for queue space and each socket
	// write. A peer that cannot keep up is abandoned after it.
	SendTimeout  time.Duration
	QueueSize    int
	MaxFrameSize int
}

type outFrame struct {
	data       []byte
	closeAfter bool
}

// Conn is a framed control connection. Reads happen on the caller's
// goroutine; every write goes through one writer goroutine.
type Conn struct {
	conn    net.Conn
	writeCh chan outFrame
	opts    ConnOptions

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	log *logrus.Entry
}

// NewConn wraps conn and starts its writer.
func NewConn(conn net.Conn, opts ConnOptions) *Conn {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:    conn,
		writeCh: make(chan outFrame, opts.QueueSize),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "transport",
			"remote":    conn.RemoteAddr().String(),
		}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	defer close(c.done)

	for {
		select {
		case f := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if _, err := c.conn.Write(f.data); err != nil {
				c.log.WithError(err).Debug("Write failed, closing connection")
				_ = c.Close()
				return
			}
			if f.closeAfter {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send encodes msg and queues it, waiting up to SendTimeout for room.
func (c *Conn) Send(msg *protocol.Message) error {
	frame, err := protocol.EncodeFrameLimit(msg, c.opts.MaxFrameSize)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{data: frame})
}

// SendFrame queues an encoded frame without waiting: a full queue
// fails with ErrSendQueueFull. The slice must not be modified
// afterwards; broadcasts share one frame between connections.
func (c *Conn) SendFrame(frame []byte) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	select {
	case c.writeCh <- outFrame{data: frame}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendAndClose queues msg and closes the connection once it is written.
func (c *Conn) SendAndClose(msg *protocol.Message) error {
	frame, err := protocol.EncodeFrameLimit(msg, c.opts.MaxFrameSize)
	if err != nil {
		return err
	}
	if err := c.enqueue(outFrame{data: frame, closeAfter: true}); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *Conn) enqueue(f outFrame) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}

	select {
	case c.writeCh <- f:
		return nil
	default:
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- f:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Receive blocks for the next message. Socket errors come back
// unwrapped; protocol errors leave the stream usable.
func (c *Conn) Receive() (*protocol.Message, error) {
	return protocol.ReadFrame(c.conn, c.opts.MaxFrameSize)
}

// SetReadDeadline bounds the next Receive. A zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close stops the writer and closes the socket. Queued frames that
// were not yet written are dropped.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Flush waits up to timeout for the queue to drain.
func (c *Conn) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for len(c.writeCh) > 0 {
		if c.IsClosed() || time.Now().After(deadline) {
			return len(c.writeCh) == 0
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func (c *Conn) IsClosed() bool {
	return c.ctx.Err() != nil
}

// Done is closed when the writer has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
