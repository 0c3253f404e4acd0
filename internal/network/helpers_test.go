package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lancollab/internal/media"
	"lancollab/internal/session"
	"lancollab/pkg/protocol"
)

const waitTimeout = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type testServer struct {
	srv    *Server
	sess   *session.Manager
	clock  *fakeClock
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, tweak func(*Options)) *testServer {
	t.Helper()

	clock := &fakeClock{now: time.Now()}
	sess, err := session.NewManager(session.Options{
		UploadDir: t.TempDir(),
		ChunkSize: 8,
	}, session.WithClock(clock.Now))
	require.NoError(t, err)

	opts := Options{
		Host:              "127.0.0.1",
		HeartbeatInterval: time.Hour,
		JoinTimeout:       time.Second,
		SendTimeout:       time.Second,
		ShutdownGrace:     20 * time.Millisecond,
		WorkerJoinTimeout: time.Second,
		MonitorInterval:   time.Hour,
		Media:             media.Config{AudioInterval: time.Hour},
	}
	if tweak != nil {
		tweak(&opts)
	}

	srv, err := NewServer(opts, sess, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{srv: srv, sess: sess, clock: clock, cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		ts.stop(t)
		_ = sess.Close()
	})
	return ts
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		ts.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	id   string
}

func dial(t *testing.T, ts *testServer) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", ts.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func joinClient(t *testing.T, ts *testServer, username string) (*testClient, *protocol.WelcomePayload) {
	t.Helper()
	c := dial(t, ts)
	c.send(protocol.TypeClientJoin, &protocol.JoinPayload{Username: username, AudioEnabled: true})

	var w protocol.WelcomePayload
	c.expect(protocol.TypeWelcome, &w)
	c.id = w.ClientID
	return c, &w
}

func (c *testClient) send(msgType string, payload any) *protocol.Message {
	c.t.Helper()
	msg, err := protocol.NewMessage(msgType, c.id, payload)
	require.NoError(c.t, err)
	c.sendMessage(msg)
	return msg
}

func (c *testClient) sendMessage(msg *protocol.Message) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(waitTimeout)))
	require.NoError(c.t, protocol.WriteFrame(c.conn, msg))
}

func (c *testClient) read() (*protocol.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	return protocol.ReadFrame(c.conn, 0)
}

// expect skips messages until one of msgType arrives and decodes it.
func (c *testClient) expect(msgType string, v any) *protocol.Message {
	c.t.Helper()
	for {
		msg, err := c.read()
		require.NoError(c.t, err, "waiting for %s", msgType)
		if msg.MsgType != msgType {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(msg.Data, v))
		}
		return msg
	}
}

// expectClosed reads until the server closes the connection.
func (c *testClient) expectClosed() []string {
	c.t.Helper()
	var seen []string
	for {
		msg, err := c.read()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.t.Fatalf("connection still open, saw %v", seen)
			}
			return seen
		}
		seen = append(seen, msg.MsgType)
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
