// Package protocol defines the wire formats spoken between the
// collaboration server and its clients.
//
// Control messages travel over TCP as a 4-byte big-endian length prefix
// followed by a UTF-8 JSON object:
//
//	{"msg_type": ..., "sender_id": ..., "data": {...}, "timestamp": ..., "message_id": ...}
//
// Media travels over UDP as a 4-byte big-endian header length, a JSON
// header and the raw payload bytes. See Packet.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Control message types.
const (
	TypeClientJoin              = "client_join"
	TypeClientLeave             = "client_leave"
	TypeHeartbeat               = "heartbeat"
	TypeHeartbeatAck            = "heartbeat_ack"
	TypeChat                    = "chat"
	TypeFileMetadata            = "file_metadata"
	TypeFileUpload              = "file_upload"
	TypeFileUploadStatus        = "file_upload_status"
	TypeFileRequest             = "file_request"
	TypeFileAvailable           = "file_available"
	TypeFileDownloadChunk       = "file_download_chunk"
	TypeScreenShare             = "screen_share"
	TypeScreenShareStart        = "screen_share_start"
	TypeScreenShareStop         = "screen_share_stop"
	TypeScreenShareConfirmed    = "screen_share_confirmed"
	TypeScreenShareError        = "screen_share_error"
	TypePresenterRequest        = "presenter_request"
	TypePresenterGranted        = "presenter_granted"
	TypePresenterDenied         = "presenter_denied"
	TypeMediaStatusUpdate       = "media_status_update"
	TypeUDPAddressUpdate        = "udp_address_update"
	TypeParticipantJoined       = "participant_joined"
	TypeParticipantLeft         = "participant_left"
	TypeParticipantStatusUpdate = "participant_status_update"
	TypeServerShutdown          = "server_shutdown"
	TypeWelcome                 = "welcome"
	TypeQualityUpdate           = "quality_update"
	TypeError                   = "error"
)

// ServerID is the sender id stamped on messages originated by the server.
const ServerID = "server"

var knownTypes = map[string]bool{
	TypeClientJoin: true, TypeClientLeave: true, TypeHeartbeat: true,
	TypeHeartbeatAck: true, TypeChat: true, TypeFileMetadata: true,
	TypeFileUpload: true, TypeFileUploadStatus: true, TypeFileRequest: true,
	TypeFileAvailable: true, TypeFileDownloadChunk: true, TypeScreenShare: true,
	TypeScreenShareStart: true, TypeScreenShareStop: true,
	TypeScreenShareConfirmed: true, TypeScreenShareError: true,
	TypePresenterRequest: true, TypePresenterGranted: true,
	TypePresenterDenied: true, TypeMediaStatusUpdate: true,
	TypeUDPAddressUpdate: true, TypeParticipantJoined: true,
	TypeParticipantLeft: true, TypeParticipantStatusUpdate: true,
	TypeServerShutdown: true, TypeWelcome: true, TypeQualityUpdate: true,
	TypeError: true,
}

// IsKnownType reports whether msgType is part of the control vocabulary.
func IsKnownType(msgType string) bool {
	return knownTypes[msgType]
}

// Message is a control plane message.
type Message struct {
	MsgType   string          `json:"msg_type"`
	SenderID  string          `json:"sender_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	MessageID string          `json:"message_id"`
}

// Payload is implemented by every typed message body.
type Payload interface {
	Validate() error
}

// NewMessage builds a message with a fresh id and timestamp. A nil
// payload becomes an empty JSON object.
func NewMessage(msgType, senderID string, payload any) (*Message, error) {
	data := json.RawMessage("{}")
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		data = raw
	}

	return &Message{
		MsgType:   msgType,
		SenderID:  senderID,
		Data:      data,
		Timestamp: Now(),
		MessageID: uuid.NewString(),
	}, nil
}

// Now returns the current time as fractional Unix seconds, the
// timestamp representation used on the wire.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Time converts the wire timestamp back into a time.Time.
func (m *Message) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// fillDefaults assigns message_id and timestamp when the sender left
// them out.
func (m *Message) fillDefaults() {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = Now()
	}
}

// Validate checks the fields every message must carry.
func (m *Message) Validate() error {
	if m.MsgType == "" {
		return fmt.Errorf("%w: msg_type", ErrMissingField)
	}
	if m.MessageID == "" {
		return fmt.Errorf("%w: message_id", ErrMissingField)
	}
	data := bytes.TrimSpace(m.Data)
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("%w: data must be a JSON object", ErrMissingField)
	}
	return nil
}

// Decode unmarshals the message data into v and validates it.
func (m *Message) Decode(v Payload) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.MsgType, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, m.MsgType, err)
	}
	return nil
}

// Marshal encodes the message as JSON without the length prefix.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a JSON message body, fills absent defaults and
// validates the required fields.
func Unmarshal(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	m.fillDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// WithSender returns a shallow copy of m with a different sender id.
func (m *Message) WithSender(senderID string) *Message {
	c := *m
	c.SenderID = senderID
	return &c
}
