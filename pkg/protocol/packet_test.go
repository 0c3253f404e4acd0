package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_RoundTrip(t *testing.T) {
	packets := []*Packet{
		{PacketType: PacketAudio, SenderID: "a", SequenceNum: 1, Data: []byte{1, 0, 255, 127}, Timestamp: 1700000000.25},
		{PacketType: PacketVideo, SenderID: "b", SequenceNum: 1 << 40, Data: make([]byte, 60000), Timestamp: 1.5},
	}

	for _, p := range packets {
		raw, err := p.Marshal()
		require.NoError(t, err)

		decoded, err := ParsePacket(raw)
		require.NoError(t, err)
		assert.Equal(t, p, decoded)
	}
}

func TestParsePacket_CopiesPayload(t *testing.T) {
	raw, err := (&Packet{PacketType: PacketAudio, SenderID: "a", Data: []byte{9, 9}}).Marshal()
	require.NoError(t, err)

	decoded, err := ParsePacket(raw)
	require.NoError(t, err)
	raw[len(raw)-1] = 0
	assert.Equal(t, []byte{9, 9}, decoded.Data)
}

func TestParsePacket_Rejects(t *testing.T) {
	valid, err := (&Packet{PacketType: PacketVideo, SenderID: "s", Data: []byte("frame")}).Marshal()
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		_, err := ParsePacket([]byte{0, 0})
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("header length overflows", func(t *testing.T) {
		b := append([]byte(nil), valid...)
		binary.BigEndian.PutUint32(b, uint32(len(b)))
		_, err := ParsePacket(b)
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("payload shorter than data_length", func(t *testing.T) {
		_, err := ParsePacket(valid[:len(valid)-1])
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("payload longer than data_length", func(t *testing.T) {
		_, err := ParsePacket(append(append([]byte(nil), valid...), 0))
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("unknown type", func(t *testing.T) {
		header := []byte(`{"packet_type":"smell","sender_id":"s","sequence_num":0,"timestamp":0,"data_length":0}`)
		b := make([]byte, 4, 4+len(header))
		binary.BigEndian.PutUint32(b, uint32(len(header)))
		b = append(b, header...)
		_, err := ParsePacket(b)
		assert.ErrorIs(t, err, ErrUnknownPacket)
	})

	t.Run("marshal unknown type", func(t *testing.T) {
		_, err := (&Packet{PacketType: "x", SenderID: "s"}).Marshal()
		assert.ErrorIs(t, err, ErrUnknownPacket)
	})

	t.Run("oversized", func(t *testing.T) {
		_, err := (&Packet{PacketType: PacketVideo, SenderID: "s", Data: make([]byte, MaxDatagramSize)}).Marshal()
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})
}
