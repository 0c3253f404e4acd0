package interfaces

import (
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// Broadcaster fans a control message out to every active client except
// excludeID. kind selects how delivery failures are handled (see the
// types.Delivery* constants).
type Broadcaster interface {
	Broadcast(msg *protocol.Message, excludeID string, kind string) types.DeliveryReport
}

// SessionView is the read-only view of the session used by the
// monitoring API.
type SessionView interface {
	Snapshot() types.SessionSnapshot
	GetParticipantList() []types.ClientInfo
	GetChatHistory(limit int) []types.ChatEntry
	GetSharedFiles() []types.FileMetadata
}
