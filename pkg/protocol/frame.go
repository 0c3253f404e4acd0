package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length.
	LengthPrefixSize = 4
	// DefaultMaxFrameSize bounds a single control frame. Screen frames
	// and file chunks are the largest messages.
	DefaultMaxFrameSize = 32 << 20
)

// EncodeFrame serialises m and prepends the length prefix, enforcing
// DefaultMaxFrameSize.
func EncodeFrame(m *Message) ([]byte, error) {
	return EncodeFrameLimit(m, DefaultMaxFrameSize)
}

// EncodeFrameLimit is EncodeFrame with an explicit body limit, so a
// sender refuses exactly what its peer's ReadFrame would. The result
// can be written to any number of connections unchanged. maxSize <= 0
// selects DefaultMaxFrameSize.
func EncodeFrameLimit(m *Message, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	body, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.MsgType, err)
	}
	if len(body) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), maxSize)
	}

	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// chunkEnvelope bounds the JSON around a base64 chunk: message id,
// type, sender, timestamp and the chunk header fields.
const chunkEnvelope = 1 << 10

// MaxChunkPayload is the largest raw chunk whose file_upload or
// file_download_chunk message still fits in a frame of frameSize.
func MaxChunkPayload(frameSize int) int {
	if frameSize <= chunkEnvelope {
		return 0
	}
	return (frameSize - chunkEnvelope) / 4 * 3
}

// WriteFrame encodes m and writes it to w in a single call.
func WriteFrame(w io.Writer, m *Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed message from r.
//
// Transport errors (including io.EOF) are returned unwrapped. A frame
// whose body is not a valid message yields a protocol error after the
// whole body has been consumed, so the next call starts on a frame
// boundary. maxSize <= 0 selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return Unmarshal(body)
}
