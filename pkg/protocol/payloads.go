package protocol

import (
	"errors"
	"fmt"

	"lancollab/pkg/types"
)

// JoinPayload is the body of client_join, the first message a client sends.
type JoinPayload struct {
	Username     string `json:"username"`
	VideoEnabled bool   `json:"video_enabled"`
	AudioEnabled bool   `json:"audio_enabled"`
}

func (p *JoinPayload) Validate() error {
	name, err := types.ValidateUsername(p.Username)
	if err != nil {
		return err
	}
	p.Username = name
	return nil
}

// LeavePayload is the body of client_leave.
type LeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

func (p *LeavePayload) Validate() error { return nil }

// HeartbeatAckPayload answers a heartbeat.
type HeartbeatAckPayload struct {
	ServerTime float64 `json:"server_time"`
}

// ChatPayload carries a chat line. Username is stamped by the server.
type ChatPayload struct {
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
	EntryID  string `json:"entry_id,omitempty"`
}

func (p *ChatPayload) Validate() error {
	return types.ValidateChatText(p.Message, types.MaxChatLength)
}

// PresenterGrantedPayload confirms the presenter role.
type PresenterGrantedPayload struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}

// DeniedPayload explains a refused presenter or screen share request.
type DeniedPayload struct {
	Reason string `json:"reason"`
}

// ScreenShareStatusPayload announces the start or end of a screen share.
type ScreenShareStatusPayload struct {
	ClientID string `json:"client_id"`
	Username string `json:"username,omitempty"`
	Active   bool   `json:"active"`
}

// ScreenFramePayload is one screen frame. Frame is opaque, already
// compressed by the sender.
type ScreenFramePayload struct {
	Frame       []byte `json:"frame"`
	SequenceNum uint64 `json:"sequence_num"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

func (p *ScreenFramePayload) Validate() error {
	if len(p.Frame) == 0 {
		return errors.New("frame is empty")
	}
	return nil
}

// FileMetadataPayload announces an upload.
type FileMetadataPayload struct {
	FileID      string `json:"file_id,omitempty"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	FileHash    string `json:"file_hash,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Description string `json:"description,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

func (p *FileMetadataPayload) Validate() error {
	if err := types.ValidateFilename(p.Filename); err != nil {
		return err
	}
	if p.Filesize <= 0 {
		return types.ErrEmptyFile
	}
	if p.ChunkSize < 0 || p.TotalChunks < 0 {
		return errors.New("chunk_size and total_chunks must not be negative")
	}
	if p.FileID != "" {
		return types.ValidateFileID(p.FileID)
	}
	return nil
}

// Metadata converts the announcement into session file metadata.
func (p *FileMetadataPayload) Metadata() types.FileMetadata {
	return types.FileMetadata{
		FileID:      p.FileID,
		Filename:    p.Filename,
		Filesize:    p.Filesize,
		FileHash:    p.FileHash,
		MimeType:    p.MimeType,
		Description: p.Description,
		ChunkSize:   p.ChunkSize,
		TotalChunks: p.TotalChunks,
	}
}

// FileChunkPayload is one chunk of an upload.
type FileChunkPayload struct {
	FileID      string `json:"file_id"`
	ChunkNum    int    `json:"chunk_num"`
	TotalChunks int    `json:"total_chunks"`
	Data        []byte `json:"data"`
}

// Validate only checks that the chunk names an upload. Numbering and
// size are checked against the upload itself, where a mismatch aborts
// it.
func (p *FileChunkPayload) Validate() error {
	if p.FileID == "" {
		return fmt.Errorf("%w: file_id", ErrMissingField)
	}
	return nil
}

// Upload status values reported to the uploader.
const (
	UploadAccepted = "accepted"
	UploadComplete = "complete"
	UploadFailed   = "error"
)

// FileUploadStatusPayload reports upload progress to the uploader.
type FileUploadStatusPayload struct {
	FileID      string `json:"file_id"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

// FileRequestPayload asks for a shared file.
type FileRequestPayload struct {
	FileID string `json:"file_id"`
}

func (p *FileRequestPayload) Validate() error {
	if p.FileID == "" {
		return fmt.Errorf("%w: file_id", ErrMissingField)
	}
	return nil
}

// FileAvailablePayload announces a completed upload.
type FileAvailablePayload struct {
	File         types.FileMetadata `json:"file"`
	UploaderName string             `json:"uploader_name,omitempty"`
}

// FileDownloadChunkPayload carries one chunk of a requested file.
type FileDownloadChunkPayload struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	ChunkNum    int    `json:"chunk_num"`
	TotalChunks int    `json:"total_chunks"`
	Data        []byte `json:"data"`
}

// MediaStatusPayload updates a client's camera and microphone flags.
// Absent fields are left unchanged.
type MediaStatusPayload struct {
	VideoEnabled *bool `json:"video_enabled,omitempty"`
	AudioEnabled *bool `json:"audio_enabled,omitempty"`
}

func (p *MediaStatusPayload) Validate() error {
	if p.VideoEnabled == nil && p.AudioEnabled == nil {
		return errors.New("media status update carries no fields")
	}
	return nil
}

// UDPAddressPayload reports the client's media port. Any host the client
// reports is ignored; the server uses the observed peer address.
type UDPAddressPayload struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port"`
}

func (p *UDPAddressPayload) Validate() error {
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("udp port %d out of range", p.Port)
	}
	return nil
}

// ParticipantPayload describes a participant in join and status messages.
type ParticipantPayload struct {
	types.ClientInfo
}

// ParticipantLeftPayload announces a departure.
type ParticipantLeftPayload struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

// WelcomePayload is sent to a client once its join is accepted.
type WelcomePayload struct {
	ClientID          string                `json:"client_id"`
	SessionID         string                `json:"session_id"`
	Participants      []types.ClientInfo    `json:"participants"`
	ChatHistory       []types.ChatEntry     `json:"chat_history"`
	SharedFiles       []types.FileMetadata  `json:"shared_files"`
	ActivePresenter   string                `json:"active_presenter,omitempty"`
	ActiveSharer      string                `json:"active_screen_sharer,omitempty"`
	UDPPort           int                   `json:"udp_port"`
	HeartbeatInterval float64               `json:"heartbeat_interval"`
	Quality           *QualityUpdatePayload `json:"quality,omitempty"`
}

// ServerShutdownPayload warns clients before the server goes away.
type ServerShutdownPayload struct {
	Reason       string  `json:"reason"`
	GraceSeconds float64 `json:"grace_seconds"`
}

// QualityUpdatePayload carries advisory compression targets.
type QualityUpdatePayload struct {
	VideoQuality  int    `json:"video_quality"`
	ScreenQuality int    `json:"screen_quality"`
	FrameRate     int    `json:"frame_rate"`
	Reason        string `json:"reason,omitempty"`
}

// ErrorPayload rejects a single client message.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RefMessageID string `json:"ref_message_id,omitempty"`
	RefType      string `json:"ref_type,omitempty"`
}
