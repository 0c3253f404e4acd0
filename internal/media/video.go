package media

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// Video defaults.
const (
	DefaultVideoSweepInterval = 30 * time.Second
	DefaultVideoStreamTimeout = 60 * time.Second
)

// TargetSource lists the clients that receive media.
type TargetSource interface {
	UDPTargets() []types.UDPTarget
}

// StreamStats describes one sender's video stream.
type StreamStats struct {
	SenderID string    `json:"sender_id"`
	LastSeen time.Time `json:"last_seen"`
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	LastSeq  uint64    `json:"last_seq"`
	Lost     uint64    `json:"lost"`
}

// VideoBroadcaster forwards each video packet to every other client.
type VideoBroadcaster struct {
	mu      sync.Mutex
	streams map[string]*StreamStats

	targets TargetSource
	sender  interfaces.PacketSender
	now     func() time.Time

	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewVideoBroadcaster(targets TargetSource, sender interfaces.PacketSender, m *metrics.Metrics) *VideoBroadcaster {
	return &VideoBroadcaster{
		streams: make(map[string]*StreamStats),
		targets: targets,
		sender:  sender,
		now:     time.Now,
		metrics: m,
		log:     logrus.WithField("component", "video_broadcaster"),
	}
}

// Broadcast records pkt and sends raw to every UDP target except the
// sender. Failures are collected and logged once.
func (v *VideoBroadcaster) Broadcast(pkt *protocol.Packet, raw []byte) types.DeliveryReport {
	v.track(pkt)
	return fanOut(v.targets.UDPTargets(), pkt.SenderID, raw, v.sender, string(protocol.PacketVideo), v.metrics, v.log)
}

func (v *VideoBroadcaster) track(pkt *protocol.Packet) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.streams[pkt.SenderID]
	if !ok {
		s = &StreamStats{SenderID: pkt.SenderID}
		v.streams[pkt.SenderID] = s
	} else if pkt.SequenceNum > s.LastSeq+1 {
		s.Lost += pkt.SequenceNum - s.LastSeq - 1
	}
	if pkt.SequenceNum > s.LastSeq || !ok {
		s.LastSeq = pkt.SequenceNum
	}
	s.LastSeen = v.now()
	s.Packets++
	s.Bytes += uint64(len(pkt.Data))
}

// SweepStale forgets senders silent for longer than timeout and
// returns their ids.
func (v *VideoBroadcaster) SweepStale(timeout time.Duration) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	var stale []string
	for id, s := range v.streams {
		if now.Sub(s.LastSeen) > timeout {
			stale = append(stale, id)
			delete(v.streams, id)
		}
	}
	sort.Strings(stale)
	if len(stale) > 0 {
		v.log.WithField("senders", stale).Info("Dropped stale video streams")
	}
	return stale
}

// RemoveSender forgets a sender immediately.
func (v *VideoBroadcaster) RemoveSender(senderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.streams, senderID)
}

// Streams returns per-sender stats ordered by sender id.
func (v *VideoBroadcaster) Streams() []StreamStats {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]StreamStats, 0, len(v.streams))
	for _, s := range v.streams {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out
}

// fanOut sends raw to every target other than excludeID. It never stops
// early; failures are aggregated into one log line.
func fanOut(targets []types.UDPTarget, excludeID string, raw []byte, sender interfaces.PacketSender,
	packetType string, m *metrics.Metrics, log *logrus.Entry) types.DeliveryReport {

	report := types.DeliveryReport{}
	for _, t := range targets {
		if t.ClientID == excludeID || t.Addr == nil {
			continue
		}
		report.Attempted++
		if err := sender.SendPacket(raw, t.Addr); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]error)
			}
			report.Failed[t.ClientID] = err
			continue
		}
		report.Delivered++
		m.BytesRelayed(packetType, len(raw))
	}

	if n := report.Failures(); n > 0 {
		ids := make([]string, 0, n)
		for id := range report.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		log.WithFields(logrus.Fields{
			"packet_type": packetType,
			"sender_id":   excludeID,
			"failed":      ids,
			"attempted":   report.Attempted,
		}).Warn("Media fan-out had failures")
	}
	return report
}
