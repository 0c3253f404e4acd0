package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lancollab/internal/network"
	"lancollab/pkg/types"
)

type mockSession struct {
	chat []types.ChatEntry
}

func (m *mockSession) Snapshot() types.SessionSnapshot {
	return types.SessionSnapshot{
		SessionID:       "session-1",
		Participants:    m.GetParticipantList(),
		ActivePresenter: "c1",
		ChatMessages:    len(m.chat),
	}
}

func (m *mockSession) GetParticipantList() []types.ClientInfo {
	return []types.ClientInfo{{ClientID: "c1", Username: "alice"}, {ClientID: "c2", Username: "bob"}}
}

func (m *mockSession) GetChatHistory(limit int) []types.ChatEntry {
	if limit > 0 && limit < len(m.chat) {
		return m.chat[len(m.chat)-limit:]
	}
	return m.chat
}

func (m *mockSession) GetSharedFiles() []types.FileMetadata {
	return []types.FileMetadata{{FileID: "f1", Filename: "notes.txt", Filesize: 12}}
}

type mockArchive struct {
	healthErr error
	queryErr  error
	gotID     string
	gotLimit  int
}

func (m *mockArchive) RecordSession(context.Context, string, time.Time) error       { return nil }
func (m *mockArchive) EndSession(context.Context, string, time.Time) error          { return nil }
func (m *mockArchive) StoreChat(context.Context, string, types.ChatEntry) error     { return nil }
func (m *mockArchive) StoreFile(context.Context, string, types.FileMetadata) error  { return nil }
func (m *mockArchive) StoreEvent(context.Context, string, types.SessionEvent) error { return nil }
func (m *mockArchive) HealthCheck(context.Context) error                            { return m.healthErr }
func (m *mockArchive) Close() error                                                 { return nil }

func (m *mockArchive) ChatHistory(_ context.Context, sessionID string, limit int) ([]types.ChatEntry, error) {
	m.gotID, m.gotLimit = sessionID, limit
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return []types.ChatEntry{{ID: "e1", Username: "alice", Message: "archived"}}, nil
}

type mockRegistry struct{}

func (mockRegistry) GetStats() map[string]int { return map[string]int{"observers": 2} }

type mockStats struct{ st network.Stats }

func (m mockStats) Stats() network.Stats { return m.st }

func chatEntries(n int) []types.ChatEntry {
	out := make([]types.ChatEntry, n)
	for i := range out {
		out[i] = types.ChatEntry{ID: string(rune('a' + i)), Message: "m"}
	}
	return out
}

func newTestServer(archive *mockArchive, st network.Stats) *Server {
	deps := Deps{
		Session:   &mockSession{chat: chatEntries(5)},
		Observers: mockRegistry{},
		Stats:     mockStats{st},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("lancollab_connected_clients 2\n"))
		}),
	}
	if archive != nil {
		deps.Archive = archive
	}
	return NewServer(deps)
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]json.RawMessage
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestServer_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		archive *mockArchive
		stats   network.Stats
		code    int
		status  string
		archStr string
	}{
		{"healthy without archive", nil, network.Stats{Clients: 2}, http.StatusOK, "healthy", "disabled"},
		{"healthy with archive", &mockArchive{}, network.Stats{}, http.StatusOK, "healthy", "healthy"},
		{"archive failing", &mockArchive{healthErr: errors.New("disk full")}, network.Stats{}, http.StatusServiceUnavailable, "unhealthy", "error: disk full"},
		{"shutting down", nil, network.Stats{ShuttingDown: true}, http.StatusServiceUnavailable, "shutting_down", "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := get(t, newTestServer(tt.archive, tt.stats), "/health")
			assert.Equal(t, tt.code, w.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.archStr, resp.Archive)
			assert.Equal(t, "session-1", resp.SessionID)
			assert.Equal(t, 2, resp.Connections["observers"])
			assert.Equal(t, tt.stats.Clients, resp.Connections["clients"])
			assert.Contains(t, resp.System, "goroutines")
		})
	}
}

func TestServer_SessionEndpoints(t *testing.T) {
	s := newTestServer(nil, network.Stats{})

	w, body := get(t, s, "/api/session")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"session-1"`, string(body["session_id"]))
	assert.JSONEq(t, `"c1"`, string(body["active_presenter"]))

	_, body = get(t, s, "/api/participants")
	var participants []types.ClientInfo
	require.NoError(t, json.Unmarshal(body["participants"], &participants))
	assert.Len(t, participants, 2)

	_, body = get(t, s, "/api/files")
	var files []types.FileMetadata
	require.NoError(t, json.Unmarshal(body["files"], &files))
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", files[0].Filename)
}

func TestServer_ChatLimit(t *testing.T) {
	s := newTestServer(nil, network.Stats{})

	tests := []struct {
		query string
		code  int
		count int
	}{
		{"", http.StatusOK, 5},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=5000", http.StatusOK, 5},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w, body := get(t, s, "/api/chat"+tt.query)
			require.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				return
			}
			var msgs []types.ChatEntry
			require.NoError(t, json.Unmarshal(body["messages"], &msgs))
			assert.Len(t, msgs, tt.count)
		})
	}
}

func TestServer_ArchivedChat(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		w, _ := get(t, newTestServer(nil, network.Stats{}), "/api/archive/chat")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("current session", func(t *testing.T) {
		archive := &mockArchive{}
		w, body := get(t, newTestServer(archive, network.Stats{}), "/api/archive/chat?limit=7")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "session-1", archive.gotID)
		assert.Equal(t, 7, archive.gotLimit)
		assert.Contains(t, string(body["messages"]), "archived")
	})

	t.Run("explicit session", func(t *testing.T) {
		archive := &mockArchive{}
		get(t, newTestServer(archive, network.Stats{}), "/api/archive/chat?session_id=old")
		assert.Equal(t, "old", archive.gotID)
		assert.Equal(t, defaultLimit, archive.gotLimit)
	})

	t.Run("query failure", func(t *testing.T) {
		archive := &mockArchive{queryErr: errors.New("locked")}
		w, body := get(t, newTestServer(archive, network.Stats{}), "/api/archive/chat")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, string(body["message"]), "locked")
	})
}

func TestServer_StatsAndMetrics(t *testing.T) {
	s := newTestServer(nil, network.Stats{Clients: 3, DeliveryAttempted: 10, DeliveryFailed: 1})

	w, body := get(t, s, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `3`, string(body["clients"]))
	assert.JSONEq(t, `1`, string(body["delivery_failed"]))

	w, _ = get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lancollab_connected_clients")

	w, _ = get(t, s, "/ws/events")
	assert.Equal(t, http.StatusNotFound, w.Code, "event stream not mounted")
}

func TestServer_CORSAndMethods(t *testing.T) {
	s := newTestServer(nil, network.Stats{})

	w, _ := get(t, s, "/api/session")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	pre := httptest.NewRecorder()
	s.ServeHTTP(pre, httptest.NewRequest(http.MethodOptions, "/api/chat", nil))
	assert.Equal(t, http.StatusNoContent, pre.Code)
	assert.Equal(t, "*", pre.Header().Get("Access-Control-Allow-Origin"))

	post := httptest.NewRecorder()
	s.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, post.Code)
}
