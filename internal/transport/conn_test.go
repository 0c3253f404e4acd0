package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lancollab/pkg/protocol"
)

func newPipeConn(t *testing.T, opts ConnOptions) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConn(server, opts)
	t.Cleanup(func() {
		_ = c.Close()
		_ = client.Close()
	})
	return c, client
}

func TestConn_SendDeliversFrames(t *testing.T) {
	c, peer := newPipeConn(t, ConnOptions{})

	for i := 0; i < 3; i++ {
		msg, err := protocol.NewMessage(protocol.TypeChat, "server", &protocol.ChatPayload{Message: "hello"})
		require.NoError(t, err)
		require.NoError(t, c.Send(msg))

		got, err := protocol.ReadFrame(peer, 0)
		require.NoError(t, err)
		assert.Equal(t, msg.MessageID, got.MessageID)
	}
}

func TestConn_ReceiveReadsFrames(t *testing.T) {
	c, peer := newPipeConn(t, ConnOptions{})

	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, "client", nil)
	require.NoError(t, err)
	go func() { _ = protocol.WriteFrame(peer, msg) }()

	got, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, got.MessageID)
}

func TestConn_ReceiveRejectsOversizedFrame(t *testing.T) {
	c, peer := newPipeConn(t, ConnOptions{MaxFrameSize: 16})

	go func() {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, 1024)
		_, _ = peer.Write(prefix)
	}()

	_, err := c.Receive()
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}

func TestConn_SendAndCloseClosesAfterWrite(t *testing.T) {
	c, peer := newPipeConn(t, ConnOptions{})

	msg, err := protocol.NewMessage(protocol.TypeClientLeave, "server", &protocol.LeavePayload{Reason: "heartbeat_timeout"})
	require.NoError(t, err)
	require.NoError(t, c.SendAndClose(msg))

	got, err := protocol.ReadFrame(peer, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeClientLeave, got.MsgType)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("writer did not exit")
	}
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.SendFrame([]byte{0}), ErrConnectionClosed)
}

func TestConn_SendAfterClose(t *testing.T) {
	c, _ := newPipeConn(t, ConnOptions{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, "server", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(msg), ErrConnectionClosed)
}

func TestConn_StuckPeerIsAbandoned(t *testing.T) {
	c, _ := newPipeConn(t, ConnOptions{SendTimeout: 50 * time.Millisecond, QueueSize: 1})

	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, "server", nil)
	require.NoError(t, err)
	var lastErr error
	start := time.Now()
	for i := 0; i < 5 && lastErr == nil; i++ {
		lastErr = c.Send(msg)
	}

	require.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, ErrWriteTimeout) || errors.Is(lastErr, ErrConnectionClosed), lastErr)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("writer still blocked on a peer that never reads")
	}
	assert.True(t, c.IsClosed())
}

func TestConn_SendFrameNeverWaits(t *testing.T) {
	c, _ := newPipeConn(t, ConnOptions{SendTimeout: time.Second, QueueSize: 1})

	frame := []byte{0, 0, 0, 2, '{', '}'}
	start := time.Now()
	var lastErr error
	for i := 0; i < 5 && lastErr == nil; i++ {
		lastErr = c.SendFrame(frame)
	}
	assert.ErrorIs(t, lastErr, ErrSendQueueFull)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a full queue fails at once")
	assert.False(t, c.IsClosed(), "a full queue alone does not close the connection")
}

func TestConn_SendRespectsFrameLimit(t *testing.T) {
	c, _ := newPipeConn(t, ConnOptions{MaxFrameSize: 256})

	msg, err := protocol.NewMessage(protocol.TypeChat, "c", &protocol.ChatPayload{Message: strings.Repeat("x", 300)})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(msg), protocol.ErrFrameTooLarge)
	assert.ErrorIs(t, c.SendAndClose(msg), protocol.ErrFrameTooLarge)
}
