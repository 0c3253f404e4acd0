package integration

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"lancollab/internal/app"
	"lancollab/internal/config"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

const waitTimeout = 3 * time.Second

type harness struct {
	app    *app.Application
	cfg    *config.Config
	cancel context.CancelFunc
	done   chan error
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.TCPPort = 0
	cfg.Server.UDPPort = 0
	cfg.Server.ShutdownGrace = config.D(50 * time.Millisecond)
	cfg.Server.MonitorInterval = config.D(time.Hour)
	cfg.Session.UploadDir = filepath.Join(dir, "files")
	cfg.Session.ChunkSize = 16
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Archive.Path = filepath.Join(dir, "archive.db")

	a, err := app.NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{app: a, cfg: cfg, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- a.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

// stop cancels the application and waits for Run to return. It can be
// called more than once.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop")
	}
}

func (h *harness) baseURL() string { return "http://" + h.app.HTTPAddr().String() }

type client struct {
	t    *testing.T
	conn net.Conn
	id   string
}

func (h *harness) join(t *testing.T, username string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", h.app.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, conn: conn}
	c.send(protocol.TypeClientJoin, &protocol.JoinPayload{Username: username})
	var w protocol.WelcomePayload
	c.expect(protocol.TypeWelcome, &w)
	c.id = w.ClientID
	return c
}

func (c *client) send(msgType string, payload any) {
	c.t.Helper()
	msg, err := protocol.NewMessage(msgType, c.id, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(waitTimeout)))
	require.NoError(c.t, protocol.WriteFrame(c.conn, msg))
}

func (c *client) expect(msgType string, v any) {
	c.t.Helper()
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
		msg, err := protocol.ReadFrame(c.conn, 0)
		require.NoError(c.t, err, "waiting for %s", msgType)
		if msg.MsgType != msgType {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(msg.Data, v))
		}
		return
	}
}

func (h *harness) observe(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws://" + h.app.HTTPAddr().String() + "/ws/events"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })

	// The upgrade completes before the observer is registered.
	require.Eventually(t, func() bool {
		resp, err := http.Get(h.baseURL() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var health struct {
			Connections map[string]int `json:"connections"`
		}
		return json.NewDecoder(resp.Body).Decode(&health) == nil && health.Connections["observers"] == 1
	}, waitTimeout, 10*time.Millisecond)
	return ws
}

// nextEvent reads observer events until one of eventType arrives.
func nextEvent(t *testing.T, ws *websocket.Conn, eventType string) types.SessionEvent {
	t.Helper()
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
		var ev types.SessionEvent
		require.NoError(t, ws.ReadJSON(&ev), "waiting for %s", eventType)
		if ev.Type == eventType {
			return ev
		}
	}
}
