package database

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "lancollab/pkg/database"
	"lancollab/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "archive.db")
	cfg.WriteTimeout = 5 * time.Second

	manager, err := NewManager(cfg)
	require.NoError(t, err)
	manager.retryDelay = 10 * time.Millisecond
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func chat(id string, offset time.Duration) types.ChatEntry {
	return types.ChatEntry{
		ID:        id,
		Kind:      types.ChatKindMessage,
		ClientID:  "c1",
		Username:  "alice",
		Message:   "message " + id,
		Timestamp: epoch.Add(offset),
	}
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = ""
	_, err := NewManager(cfg)
	assert.Error(t, err)
}

func TestManager_SchemaIsMigrated(t *testing.T) {
	manager := setupTestDB(t)
	assert.NoError(t, dbconfig.NewMigrationManager(manager.db.DB).ValidateSchema())
	assert.NoError(t, manager.HealthCheck(t.Context()))
}

func TestManager_SessionLifecycle(t *testing.T) {
	manager := setupTestDB(t)
	ctx := t.Context()

	require.NoError(t, manager.RecordSession(ctx, "s1", epoch))
	require.NoError(t, manager.RecordSession(ctx, "s1", epoch.Add(time.Hour)), "duplicate is ignored")

	var start time.Time
	require.NoError(t, manager.db.Get(&start, "SELECT start_time FROM sessions WHERE id = 's1'"))
	assert.True(t, start.Equal(epoch))

	require.NoError(t, manager.EndSession(ctx, "s1", epoch.Add(2*time.Hour)))
	var end time.Time
	require.NoError(t, manager.db.Get(&end, "SELECT end_time FROM sessions WHERE id = 's1'"))
	assert.True(t, end.Equal(epoch.Add(2*time.Hour)))
}

func TestManager_ChatHistoryNewestInOrder(t *testing.T) {
	manager := setupTestDB(t)
	ctx := t.Context()
	require.NoError(t, manager.RecordSession(ctx, "s1", epoch))
	require.NoError(t, manager.RecordSession(ctx, "s2", epoch))

	for i := range 5 {
		require.NoError(t, manager.StoreChat(ctx, "s1", chat(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second)))
	}
	require.NoError(t, manager.StoreChat(ctx, "s2", chat("other", 0)))

	entries, err := manager.ChatHistory(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].ID)
	assert.Equal(t, "m4", entries[2].ID)
	assert.Equal(t, "alice", entries[0].Username)
	assert.True(t, entries[2].Timestamp.Equal(epoch.Add(4*time.Second)))

	all, err := manager.ChatHistory(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := manager.ChatHistory(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestManager_StoreFileAndEvents(t *testing.T) {
	manager := setupTestDB(t)
	ctx := t.Context()
	require.NoError(t, manager.RecordSession(ctx, "s1", epoch))

	meta := types.FileMetadata{
		FileID:      "f1",
		Filename:    "notes.txt",
		Filesize:    42,
		UploaderID:  "c1",
		UploadTime:  epoch,
		FileHash:    "abc",
		ChunkSize:   8,
		TotalChunks: 6,
	}
	require.NoError(t, manager.StoreFile(ctx, "s1", meta))

	var stored types.FileMetadata
	require.NoError(t, manager.db.Get(&stored, `
		SELECT file_id, filename, filesize, uploader_id, upload_time, file_hash,
		       mime_type, description, chunk_size, total_chunks
		FROM shared_files WHERE file_id = 'f1'`))
	assert.Equal(t, meta.Filename, stored.Filename)
	assert.Equal(t, meta.TotalChunks, stored.TotalChunks)

	events := []types.SessionEvent{
		{Type: "participant_joined", ClientID: "c1", Data: json.RawMessage(`{"username":"alice"}`), Timestamp: epoch},
		{Type: "participant_left", ClientID: "c1", Timestamp: epoch.Add(time.Minute)},
		{Type: "participant_joined", ClientID: "c2", Timestamp: epoch.Add(time.Minute)},
	}
	for _, ev := range events {
		require.NoError(t, manager.StoreEvent(ctx, "s1", ev))
	}

	n, err := manager.EventCount(ctx, "s1", "participant_joined")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = manager.EventCount(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var data string
	require.NoError(t, manager.db.Get(&data, "SELECT data FROM session_events WHERE type = 'participant_left'"))
	assert.Equal(t, "{}", data)
}

func TestManager_FailedWriteRetriedOnce(t *testing.T) {
	manager := setupTestDB(t)

	calls := 0
	err := manager.executeWrite(t.Context(), "flaky", func(*sqlx.DB) error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	err = manager.StoreChat(t.Context(), "no-such-session", chat("x", 0))
	assert.Error(t, err, "foreign key violation survives the retry")
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := t.Context()
	require.NoError(t, manager.RecordSession(ctx, "s1", epoch))

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- manager.StoreChat(ctx, "s1", chat(fmt.Sprintf("c%02d", i), time.Duration(i)*time.Millisecond))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	entries, err := manager.ChatHistory(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, writers)
}

func TestManager_ContextCancelled(t *testing.T) {
	manager := setupTestDB(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, manager.RecordSession(ctx, "s1", epoch), context.Canceled)
}

func TestManager_Close(t *testing.T) {
	manager := setupTestDB(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "second close is a no-op")

	assert.ErrorIs(t, manager.RecordSession(context.Background(), "s1", epoch), ErrClosed)
	assert.ErrorIs(t, manager.HealthCheck(context.Background()), ErrClosed)
}
