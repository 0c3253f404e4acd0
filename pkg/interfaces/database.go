package interfaces

import (
	"context"
	"time"

	"lancollab/pkg/types"
)

// Archive is the write-mostly audit store of a running session.
// Nothing is loaded back from it when the server starts.
type Archive interface {
	RecordSession(ctx context.Context, sessionID string, start time.Time) error
	EndSession(ctx context.Context, sessionID string, end time.Time) error

	StoreChat(ctx context.Context, sessionID string, entry types.ChatEntry) error
	StoreFile(ctx context.Context, sessionID string, meta types.FileMetadata) error
	StoreEvent(ctx context.Context, sessionID string, event types.SessionEvent) error

	// ChatHistory returns the newest limit entries in chronological order.
	ChatHistory(ctx context.Context, sessionID string, limit int) ([]types.ChatEntry, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
