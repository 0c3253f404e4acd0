package media

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/pkg/protocol"
)

// MixerSenderID is the sender id stamped on mixed audio packets.
const MixerSenderID = "mixer"

// Mixer defaults.
const (
	DefaultAudioInterval   = 20 * time.Millisecond
	DefaultAudioBufferSize = 10
)

// MixCallback receives each mixed packet.
type MixCallback func(pkt *protocol.Packet)

// audioRing holds the most recent packets of one client. When full the
// oldest entry is overwritten.
type audioRing struct {
	buf [][]byte
}

func (r *audioRing) push(data []byte, limit int) {
	if len(r.buf) >= limit {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	r.buf = append(r.buf, data)
}

func (r *audioRing) popNewest() ([]byte, bool) {
	if len(r.buf) == 0 {
		return nil, false
	}
	last := r.buf[len(r.buf)-1]
	r.buf[len(r.buf)-1] = nil
	r.buf = r.buf[:len(r.buf)-1]
	return last, true
}

// AudioMixer combines per-client audio on a fixed cadence.
type AudioMixer struct {
	mu       sync.Mutex
	buffers  map[string]*audioRing
	limit    int
	interval time.Duration
	emit     MixCallback
	seq      uint64

	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewAudioMixer creates a mixer. Zero values select the defaults.
func NewAudioMixer(bufferSize int, interval time.Duration, emit MixCallback, m *metrics.Metrics) *AudioMixer {
	if bufferSize <= 0 {
		bufferSize = DefaultAudioBufferSize
	}
	if interval <= 0 {
		interval = DefaultAudioInterval
	}
	return &AudioMixer{
		buffers:  make(map[string]*audioRing),
		limit:    bufferSize,
		interval: interval,
		emit:     emit,
		metrics:  m,
		log:      logrus.WithField("component", "audio_mixer"),
	}
}

// AddAudio buffers one packet payload from clientID.
func (a *AudioMixer) AddAudio(clientID string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.buffers[clientID]
	if !ok {
		r = &audioRing{}
		a.buffers[clientID] = r
	}
	r.push(data, a.limit)
}

// RemoveClient drops a client's buffered audio.
func (a *AudioMixer) RemoveClient(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, clientID)
}

// Buffered returns the number of packets waiting for clientID.
func (a *AudioMixer) Buffered(clientID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.buffers[clientID]; ok {
		return len(r.buf)
	}
	return 0
}

// MixOnce pops the newest packet of every client, mixes them and hands
// the result to the callback. It returns false when nobody contributed.
func (a *AudioMixer) MixOnce() (*protocol.Packet, bool) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.buffers))
	for id := range a.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var contributions [][]byte
	for _, id := range ids {
		data, ok := a.buffers[id].popNewest()
		if !ok {
			continue
		}
		if len(data)%2 != 0 {
			a.log.WithFields(logrus.Fields{
				"client_id": id,
				"bytes":     len(data),
			}).Debug("Skipping odd-length audio payload")
			continue
		}
		contributions = append(contributions, data)
	}
	if len(contributions) == 0 {
		a.mu.Unlock()
		return nil, false
	}
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	pkt := &protocol.Packet{
		PacketType:  protocol.PacketAudio,
		SenderID:    MixerSenderID,
		SequenceNum: seq,
		Data:        MixPCM(contributions),
		Timestamp:   protocol.Now(),
	}
	a.metrics.MixerTick()
	if a.emit != nil {
		a.emit(pkt)
	}
	return pkt, true
}

// Run mixes every interval until ctx is cancelled.
func (a *AudioMixer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.MixOnce()
		}
	}
}

// MixPCM averages 16-bit little-endian PCM buffers sample by sample.
// Each output sample is the truncated mean of the inputs that cover it,
// clamped to the int16 range; the result is as long as the longest
// input. Odd-length inputs are ignored.
func MixPCM(inputs [][]byte) []byte {
	longest := 0
	for _, in := range inputs {
		if len(in)%2 == 0 && len(in) > longest {
			longest = len(in)
		}
	}
	out := make([]byte, longest)

	for i := 0; i+1 < longest; i += 2 {
		var sum, n int64
		for _, in := range inputs {
			if len(in)%2 != 0 || i+1 >= len(in) {
				continue
			}
			sum += int64(int16(binary.LittleEndian.Uint16(in[i:])))
			n++
		}
		if n == 0 {
			continue
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(clamp16(sum/n)))
	}
	return out
}

func clamp16(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
