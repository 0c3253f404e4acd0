package media

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

func pcm(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func samplesOf(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string]int
	fail map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakeSender) SendPacket(_ []byte, addr *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr.String()] {
		return errors.New("network unreachable")
	}
	f.sent[addr.String()]++
	return nil
}

func (f *fakeSender) count(addr *net.UDPAddr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[addr.String()]
}

type fakeDirectory struct {
	targets []types.UDPTarget
	sharer  string
}

func (d *fakeDirectory) UDPTargets() []types.UDPTarget { return d.targets }
func (d *fakeDirectory) ActiveScreenSharer() string    { return d.sharer }

type recordingHub struct {
	mu    sync.Mutex
	calls []*protocol.Message
	kinds []string
}

func (h *recordingHub) Broadcast(msg *protocol.Message, excludeID, kind string) types.DeliveryReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, msg)
	h.kinds = append(h.kinds, kind)
	return types.DeliveryReport{Attempted: 1, Delivered: 1}
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}
}

func TestMixPCM_AveragesEqualLengthBuffers(t *testing.T) {
	a := pcm(100, -200, 30000, -30000, 7)
	b := pcm(200, -100, 30000, -30000, 8)
	c := pcm(301, 0, 30000, -30001, 8)

	mixed := MixPCM([][]byte{a, b, c})
	require.Len(t, mixed, len(a))
	assert.Equal(t, []int16{200, -100, 30000, -30000, 7}, samplesOf(mixed))
}

func TestMixPCM_PartialCoverage(t *testing.T) {
	long := pcm(10, 20, 30, 40)
	short := pcm(30, 40)

	mixed := MixPCM([][]byte{long, short})
	assert.Equal(t, []int16{20, 30, 30, 40}, samplesOf(mixed))
}

func TestMixPCM_SkipsOddPayloads(t *testing.T) {
	mixed := MixPCM([][]byte{pcm(100, 100), {1, 2, 3}})
	assert.Equal(t, []int16{100, 100}, samplesOf(mixed))
	assert.Empty(t, MixPCM([][]byte{{1}}))
}

func TestClamp16(t *testing.T) {
	assert.Equal(t, int16(32767), clamp16(40000))
	assert.Equal(t, int16(-32768), clamp16(-40000))
	assert.Equal(t, int16(-5), clamp16(-5))
}

func TestAudioMixer_MixOncePopsNewest(t *testing.T) {
	var emitted []*protocol.Packet
	m := NewAudioMixer(3, time.Hour, func(p *protocol.Packet) { emitted = append(emitted, p) }, nil)

	m.AddAudio("a", pcm(1))
	m.AddAudio("a", pcm(2))
	m.AddAudio("b", pcm(10))
	m.AddAudio("c", []byte{1, 2, 3})

	pkt, ok := m.MixOnce()
	require.True(t, ok)
	assert.Equal(t, MixerSenderID, pkt.SenderID)
	assert.Equal(t, protocol.PacketAudio, pkt.PacketType)
	assert.Equal(t, []int16{6}, samplesOf(pkt.Data), "newest of a (2) with b (10)")
	assert.Equal(t, 1, m.Buffered("a"))
	assert.Equal(t, 0, m.Buffered("b"))
	require.Len(t, emitted, 1)

	pkt, ok = m.MixOnce()
	require.True(t, ok)
	assert.Equal(t, []int16{1}, samplesOf(pkt.Data), "only a had data")
	assert.Equal(t, uint64(2), pkt.SequenceNum)

	_, ok = m.MixOnce()
	assert.False(t, ok)
	assert.Len(t, emitted, 2)
}

func TestAudioMixer_BufferDropsOldest(t *testing.T) {
	m := NewAudioMixer(2, time.Hour, nil, nil)
	m.AddAudio("a", pcm(1))
	m.AddAudio("a", pcm(2))
	m.AddAudio("a", pcm(3))
	assert.Equal(t, 2, m.Buffered("a"))

	pkt, _ := m.MixOnce()
	assert.Equal(t, []int16{3}, samplesOf(pkt.Data))
	pkt, _ = m.MixOnce()
	assert.Equal(t, []int16{2}, samplesOf(pkt.Data))

	m.RemoveClient("a")
	assert.Equal(t, 0, m.Buffered("a"))
}

func TestVideoBroadcaster_FanOutSkipsSenderAndIsolatesFailures(t *testing.T) {
	sender := newFakeSender()
	dir := &fakeDirectory{targets: []types.UDPTarget{
		{ClientID: "a", Addr: addr(1)},
		{ClientID: "b", Addr: addr(2)},
		{ClientID: "c", Addr: addr(3)},
		{ClientID: "d", Addr: addr(4)},
	}}
	sender.fail[addr(2).String()] = true
	v := NewVideoBroadcaster(dir, sender, nil)

	report := v.Broadcast(&protocol.Packet{PacketType: protocol.PacketVideo, SenderID: "a", SequenceNum: 1, Data: []byte("x")}, []byte("raw"))

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	assert.Contains(t, report.Failed, "b")
	assert.Equal(t, 0, sender.count(addr(1)))
	assert.Equal(t, 1, sender.count(addr(3)))
	assert.Equal(t, 1, sender.count(addr(4)))
}

func TestVideoBroadcaster_StatsAndSweep(t *testing.T) {
	now := time.Unix(0, 0)
	v := NewVideoBroadcaster(&fakeDirectory{}, newFakeSender(), nil)
	v.now = func() time.Time { return now }

	v.Broadcast(&protocol.Packet{PacketType: protocol.PacketVideo, SenderID: "a", SequenceNum: 1, Data: []byte("12")}, nil)
	v.Broadcast(&protocol.Packet{PacketType: protocol.PacketVideo, SenderID: "a", SequenceNum: 4, Data: []byte("34")}, nil)
	now = now.Add(45 * time.Second)
	v.Broadcast(&protocol.Packet{PacketType: protocol.PacketVideo, SenderID: "b", SequenceNum: 1, Data: []byte("5")}, nil)

	streams := v.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, uint64(2), streams[0].Packets)
	assert.Equal(t, uint64(4), streams[0].Bytes)
	assert.Equal(t, uint64(2), streams[0].Lost)

	now = now.Add(20 * time.Second)
	assert.Equal(t, []string{"a"}, v.SweepStale(60*time.Second))
	require.Len(t, v.Streams(), 1)
	assert.Equal(t, "b", v.Streams()[0].SenderID)
}

func TestScreenShareRelay_OnlyActiveSharer(t *testing.T) {
	dir := &fakeDirectory{sharer: "alice"}
	hub := &recordingHub{}
	r := NewScreenShareRelay(dir, hub, nil)

	frame, err := protocol.NewMessage(protocol.TypeScreenShare, "alice", &protocol.ScreenFramePayload{Frame: []byte("jpeg")})
	require.NoError(t, err)

	_, err = r.RelayFrame("alice", frame)
	require.NoError(t, err)

	_, err = r.RelayFrame("bob", frame.WithSender("bob"))
	assert.ErrorIs(t, err, ErrNotActiveSharer)

	dir.sharer = ""
	_, err = r.RelayFrame("alice", frame)
	assert.ErrorIs(t, err, ErrNotActiveSharer)
	_, err = r.RelayFrame("", frame)
	assert.ErrorIs(t, err, ErrNotActiveSharer)

	require.Len(t, hub.calls, 1, "rejected frames are never broadcast")
	assert.Equal(t, "alice", hub.calls[0].SenderID)
	assert.Equal(t, types.DeliveryScreen, hub.kinds[0])

	relayed, rejected := r.Counts()
	assert.Equal(t, uint64(1), relayed)
	assert.Equal(t, uint64(3), rejected)
}

func TestRelay_HandlePacketAndMix(t *testing.T) {
	sender := newFakeSender()
	dir := &fakeDirectory{targets: []types.UDPTarget{
		{ClientID: "a", Addr: addr(1)},
		{ClientID: "b", Addr: addr(2)},
	}}
	r := NewRelay(Config{AudioInterval: time.Hour}, dir, sender, &recordingHub{}, nil)

	r.HandlePacket(&protocol.Packet{PacketType: protocol.PacketVideo, SenderID: "a", Data: []byte("v")}, []byte("raw-video"))
	assert.Equal(t, 0, sender.count(addr(1)))
	assert.Equal(t, 1, sender.count(addr(2)))

	r.HandlePacket(&protocol.Packet{PacketType: protocol.PacketAudio, SenderID: "a", Data: pcm(100)}, nil)
	r.HandlePacket(&protocol.Packet{PacketType: protocol.PacketAudio, SenderID: "b", Data: pcm(300)}, nil)
	_, ok := r.Audio.MixOnce()
	require.True(t, ok)
	assert.Equal(t, 1, sender.count(addr(1)), "mixed audio reaches every target")
	assert.Equal(t, 2, sender.count(addr(2)))

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.AudioPackets)
	assert.Equal(t, uint64(1), stats.VideoPackets)
	assert.Equal(t, uint64(1), stats.MixedPackets)
	assert.Greater(t, stats.RelayedBytes, uint64(0))

	r.RemoveClient("a")
	assert.Empty(t, r.Video.Streams())
}

func TestRelay_StartStop(t *testing.T) {
	sender := newFakeSender()
	dir := &fakeDirectory{targets: []types.UDPTarget{{ClientID: "b", Addr: addr(2)}}}
	r := NewRelay(Config{AudioInterval: 5 * time.Millisecond}, dir, sender, &recordingHub{}, nil)

	r.Start(context.Background())
	r.Start(context.Background())
	r.HandlePacket(&protocol.Packet{PacketType: protocol.PacketAudio, SenderID: "a", Data: pcm(1, 2)}, nil)

	assert.Eventually(t, func() bool { return sender.count(addr(2)) > 0 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
}
