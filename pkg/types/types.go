package types

import (
	"encoding/json"
	"net"
	"time"
)

// Chat history entry kinds. Join and leave records share the history
// with chat so that replayed history reflects presence changes in order.
const (
	ChatKindMessage = "chat"
	ChatKindJoin    = "join"
	ChatKindLeave   = "leave"
)

// Delivery kinds select the failure policy applied to a broadcast.
const (
	DeliveryChat     = "chat"
	DeliveryFile     = "file"
	DeliveryPresence = "presence"
	DeliveryScreen   = "screen"
	DeliveryControl  = "control"
)

// Session limits shared by the session manager and the network layer.
const (
	MaxChatLength     = 1000
	MaxChatHistory    = 1000
	MaxUsernameLength = 50
	MaxFilenameLength = 255
	MaxFileSize       = 100 << 20
	DefaultChunkSize  = 64 << 10
	MinChunkSize      = 4 << 10
	MaxChunkSize      = 1 << 20

	MaxUploadsPerClient = 4
)

// ClientInfo is a read-only snapshot of a connected client.
// It never carries the transport handle.
type ClientInfo struct {
	ClientID       string    `json:"client_id"`
	Username       string    `json:"username"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	UDPAddr        string    `json:"udp_address,omitempty"`
	VideoEnabled   bool      `json:"video_enabled"`
	AudioEnabled   bool      `json:"audio_enabled"`
	IsPresenter    bool      `json:"is_presenter"`
	ConnectionTime time.Time `json:"connection_time"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// ChatEntry is one record of the session chat history.
type ChatEntry struct {
	ID        string    `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	ClientID  string    `json:"client_id" db:"client_id"`
	Username  string    `json:"username" db:"username"`
	Message   string    `json:"message" db:"message"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// FileMetadata describes a shared file. FileHash is the hex encoded
// SHA-256 of the content and stays empty until it has been computed.
type FileMetadata struct {
	FileID      string    `json:"file_id" db:"file_id"`
	Filename    string    `json:"filename" db:"filename"`
	Filesize    int64     `json:"filesize" db:"filesize"`
	UploaderID  string    `json:"uploader_id" db:"uploader_id"`
	UploadTime  time.Time `json:"upload_time" db:"upload_time"`
	FileHash    string    `json:"file_hash,omitempty" db:"file_hash"`
	MimeType    string    `json:"mime_type,omitempty" db:"mime_type"`
	Description string    `json:"description,omitempty" db:"description"`
	ChunkSize   int       `json:"chunk_size" db:"chunk_size"`
	TotalChunks int       `json:"total_chunks" db:"total_chunks"`
}

// UDPTarget is a client with a registered media address.
type UDPTarget struct {
	ClientID string
	Addr     *net.UDPAddr
}

// DeliveryReport aggregates the outcome of one fan-out.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    map[string]error
}

// Failures returns the number of recipients that could not be reached.
func (r DeliveryReport) Failures() int {
	return len(r.Failed)
}

// SessionSnapshot is the externally visible state of the session.
type SessionSnapshot struct {
	SessionID          string         `json:"session_id"`
	StartTime          time.Time      `json:"start_time"`
	Participants       []ClientInfo   `json:"participants"`
	ActivePresenter    string         `json:"active_presenter,omitempty"`
	ActiveScreenSharer string         `json:"active_screen_sharer,omitempty"`
	SharedFiles        []FileMetadata `json:"shared_files"`
	ChatMessages       int            `json:"chat_messages"`
	UploadsInProgress  int            `json:"uploads_in_progress"`
}

// Session event types recorded in the archive and streamed to observers.
const (
	EventSessionStarted    = "session_started"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventPresenterChanged  = "presenter_changed"
	EventMediaStatus       = "media_status"
	EventScreenShare       = "screen_share"
	EventFileShared        = "file_shared"
	EventChat              = "chat"
	EventQualityUpdate     = "quality_update"
	EventShutdown          = "server_shutdown"
)

// SessionEvent is a notable change in the session, without media.
type SessionEvent struct {
	Type      string          `json:"type" db:"type"`
	ClientID  string          `json:"client_id,omitempty" db:"client_id"`
	Data      json.RawMessage `json:"data,omitempty" db:"data"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
