package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	dbconfig "lancollab/pkg/database"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/types"
)

var (
	ErrClosed       = errors.New("archive is closed")
	ErrWriteTimeout = errors.New("archive write timed out")
)

const defaultRetryDelay = 5 * time.Second

// Manager is the SQLite audit archive. Reads go straight to the pool;
// every write is funnelled through writeLoop so SQLite only ever sees
// one writer.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	retryDelay time.Duration
	log        *logrus.Entry
}

var _ interfaces.Archive = (*Manager)(nil)

type writeOperation struct {
	name      string
	operation func(*sqlx.DB) error
	result    chan error
}

// NewManager opens the archive at config.DatabasePath, applies pending
// migrations and starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive config: %w", err)
	}

	db, err := sqlx.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := dbconfig.NewMigrationManager(db.DB).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
		log:          logrus.WithField("component", "archive"),
	}

	m.wg.Add(1)
	go m.writeLoop()

	m.log.WithField("path", config.DatabasePath).Info("Archive opened")
	return m, nil
}

// writeLoop runs every write. A failed write is retried once after
// retryDelay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.log.WithError(err).WithField("op", op.name).Warn("Archive write failed, retrying")
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.log.WithError(err).WithField("op", op.name).Error("Archive write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug("Archive write loop shutting down")
			return
		}
	}
}

// executeWrite queues op and waits for its result.
func (m *Manager) executeWrite(ctx context.Context, name string, op func(*sqlx.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{name: name, operation: op, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordSession inserts the session row. Recording the same id again
// is a no-op.
func (m *Manager) RecordSession(ctx context.Context, sessionID string, start time.Time) error {
	return m.executeWrite(ctx, "record_session", func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sessions (id, start_time) VALUES (?, ?)`,
			sessionID, start.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

func (m *Manager) EndSession(ctx context.Context, sessionID string, end time.Time) error {
	return m.executeWrite(ctx, "end_session", func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE sessions SET end_time = ? WHERE id = ?`,
			end.UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		return nil
	})
}

type chatRow struct {
	SessionID string `db:"session_id"`
	types.ChatEntry
}

func (m *Manager) StoreChat(ctx context.Context, sessionID string, entry types.ChatEntry) error {
	entry.Timestamp = entry.Timestamp.UTC()
	return m.executeWrite(ctx, "store_chat", func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT OR IGNORE INTO chat_messages (id, session_id, kind, client_id, username, message, timestamp)
			VALUES (:id, :session_id, :kind, :client_id, :username, :message, :timestamp)
		`, chatRow{SessionID: sessionID, ChatEntry: entry})
		if err != nil {
			return fmt.Errorf("failed to insert chat entry: %w", err)
		}
		return nil
	})
}

type fileRow struct {
	SessionID string `db:"session_id"`
	types.FileMetadata
}

func (m *Manager) StoreFile(ctx context.Context, sessionID string, meta types.FileMetadata) error {
	meta.UploadTime = meta.UploadTime.UTC()
	return m.executeWrite(ctx, "store_file", func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO shared_files (
				file_id, session_id, filename, filesize, uploader_id, upload_time,
				file_hash, mime_type, description, chunk_size, total_chunks
			) VALUES (
				:file_id, :session_id, :filename, :filesize, :uploader_id, :upload_time,
				:file_hash, :mime_type, :description, :chunk_size, :total_chunks
			)
		`, fileRow{SessionID: sessionID, FileMetadata: meta})
		if err != nil {
			return fmt.Errorf("failed to insert shared file: %w", err)
		}
		return nil
	})
}

func (m *Manager) StoreEvent(ctx context.Context, sessionID string, event types.SessionEvent) error {
	data := string(event.Data)
	if data == "" {
		data = "{}"
	}
	return m.executeWrite(ctx, "store_event", func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO session_events (session_id, type, client_id, data, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, event.Type, event.ClientID, data, event.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// ChatHistory returns the newest limit chat entries of a session in
// chronological order. limit <= 0 returns all of them.
func (m *Manager) ChatHistory(ctx context.Context, sessionID string, limit int) ([]types.ChatEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var entries []types.ChatEntry
	err := m.db.SelectContext(ctx, &entries, `
		SELECT id, kind, client_id, username, message, timestamp
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
}

// EventCount returns how many events of the given type were recorded
// for a session. An empty eventType counts all of them.
func (m *Manager) EventCount(ctx context.Context, sessionID, eventType string) (int, error) {
	var n int
	err := m.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM session_events
		WHERE session_id = ? AND (? = '' OR type = ?)
	`, sessionID, eventType, eventType)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database and runs a trivial read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sessions"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.log.Info("Archive closed")
	return nil
}
