package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// PacketType identifies the media carried by a UDP packet.
type PacketType string

const (
	PacketAudio PacketType = "audio"
	PacketVideo PacketType = "video"
)

// MaxDatagramSize is the largest UDP payload on IPv4.
const MaxDatagramSize = 65507

// Packet is one media datagram. SequenceNum is informational and is
// only used for loss estimation.
type Packet struct {
	PacketType  PacketType
	SenderID    string
	SequenceNum uint64
	Data        []byte
	Timestamp   float64
}

type packetHeader struct {
	PacketType  PacketType `json:"packet_type"`
	SenderID    string     `json:"sender_id"`
	SequenceNum uint64     `json:"sequence_num"`
	Timestamp   float64    `json:"timestamp"`
	DataLength  int        `json:"data_length"`
}

// Valid reports whether t is a known media type.
func (t PacketType) Valid() bool {
	return t == PacketAudio || t == PacketVideo
}

// Marshal encodes the packet as [header_length][JSON header][payload].
func (p *Packet) Marshal() ([]byte, error) {
	if !p.PacketType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, p.PacketType)
	}

	header, err := json.Marshal(packetHeader{
		PacketType:  p.PacketType,
		SenderID:    p.SenderID,
		SequenceNum: p.SequenceNum,
		Timestamp:   p.Timestamp,
		DataLength:  len(p.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet header: %w", err)
	}

	out := make([]byte, LengthPrefixSize+len(header)+len(p.Data))
	binary.BigEndian.PutUint32(out, uint32(len(header)))
	copy(out[LengthPrefixSize:], header)
	copy(out[LengthPrefixSize+len(header):], p.Data)

	if len(out) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: packet of %d bytes exceeds datagram size", ErrMalformedPacket, len(out))
	}
	return out, nil
}

// ParsePacket decodes a datagram. The payload is copied, so b may be
// reused by the caller.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(b))
	}

	headerLen := binary.BigEndian.Uint32(b)
	if headerLen == 0 || uint64(headerLen) > uint64(len(b)-LengthPrefixSize) {
		return nil, fmt.Errorf("%w: header length %d", ErrMalformedPacket, headerLen)
	}

	var h packetHeader
	headerEnd := LengthPrefixSize + int(headerLen)
	if err := json.Unmarshal(b[LengthPrefixSize:headerEnd], &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if !h.PacketType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, h.PacketType)
	}
	if h.SenderID == "" {
		return nil, fmt.Errorf("%w: sender_id", ErrMissingField)
	}

	payload := b[headerEnd:]
	if len(payload) != h.DataLength {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, h.DataLength, len(payload))
	}

	return &Packet{
		PacketType:  h.PacketType,
		SenderID:    h.SenderID,
		SequenceNum: h.SequenceNum,
		Data:        append([]byte(nil), payload...),
		Timestamp:   h.Timestamp,
	}, nil
}
