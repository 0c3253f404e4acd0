package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lancollab/internal/config"
	"lancollab/internal/network"
	"lancollab/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.TCPPort = 0
	cfg.Server.UDPPort = 0
	cfg.Server.ShutdownGrace = config.D(0)
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Session.UploadDir = filepath.Join(dir, "files")
	cfg.Archive.Path = filepath.Join(dir, "archive.db")
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) (*Application, func() error) {
	t.Helper()
	a, err := NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("application did not stop")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return a, stop
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.ChunkSize = 0
	_, err := NewApplication(cfg)
	assert.Error(t, err)
}

func TestApplication_ServesAPIAndTCP(t *testing.T) {
	a, stop := startApp(t, testConfig(t))
	base := "http://" + a.HTTPAddr().String()

	var health map[string]any
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "healthy", health["archive"])

	conn, err := net.Dial("tcp", a.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	join, err := protocol.NewMessage(protocol.TypeClientJoin, "", &protocol.JoinPayload{Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, join))
	welcome, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeWelcome, welcome.MsgType)

	var body struct {
		Participants []map[string]any `json:"participants"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/participants", &body))
	assert.Len(t, body.Participants, 1)

	var stats network.Stats
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/stats", &stats))
	assert.Equal(t, 1, stats.Clients)

	require.NoError(t, stop())

	_, err = http.Get(base + "/health")
	assert.Error(t, err, "HTTP server is closed")
}

func TestApplication_WithoutHTTPAndArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = false
	cfg.Archive.Enabled = false

	a, stop := startApp(t, cfg)
	assert.Nil(t, a.HTTPAddr())
	assert.NotNil(t, a.TCPAddr())
	assert.NotNil(t, a.UDPAddr())
	assert.NoError(t, stop())
}

func TestApplication_ListenConflict(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.HTTP.Port = busy.Addr().(*net.TCPAddr).Port

	a, err := NewApplication(cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.ErrorIs(t, a.Listen(), network.ErrBind)
}

func TestConfigureLogging(t *testing.T) {
	defer func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetFormatter(&logrus.TextFormatter{})
	}()

	var buf bytes.Buffer
	require.NoError(t, ConfigureLogging(&config.LogConfig{Level: "debug", Format: "json"}, &buf))
	logrus.WithField("component", "test").Debug("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])

	assert.Error(t, ConfigureLogging(&config.LogConfig{Level: "loud", Format: "text"}, nil))
	assert.Error(t, ConfigureLogging(&config.LogConfig{Level: "info", Format: "xml"}, nil))
}
