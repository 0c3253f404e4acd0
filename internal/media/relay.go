// Package media relays audio, video and screen-share streams between
// clients. It never decodes pictures; audio is mixed as raw PCM.
package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lancollab/internal/metrics"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
)

// Config tunes the relay. Zero values select the package defaults.
type Config struct {
	AudioInterval      time.Duration
	AudioBufferSize    int
	VideoSweepInterval time.Duration
	VideoStreamTimeout time.Duration
}

// Directory is the session state the relay consults.
type Directory interface {
	TargetSource
	SharerSource
}

// Stats summarises relay activity.
type Stats struct {
	AudioPackets  uint64        `json:"audio_packets"`
	VideoPackets  uint64        `json:"video_packets"`
	MixedPackets  uint64        `json:"mixed_packets"`
	RelayedBytes  uint64        `json:"relayed_bytes"`
	ScreenFrames  uint64        `json:"screen_frames"`
	ScreenRejects uint64        `json:"screen_rejects"`
	VideoStreams  []StreamStats `json:"video_streams"`
}

// Relay owns the three media paths and their background loops.
type Relay struct {
	Audio  *AudioMixer
	Video  *VideoBroadcaster
	Screen *ScreenShareRelay

	cfg    Config
	dir    Directory
	sender interfaces.PacketSender

	audioPackets atomic.Uint64
	videoPackets atomic.Uint64
	mixedPackets atomic.Uint64
	relayedBytes atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewRelay wires the mixer, the video fan-out and the screen relay.
// Media goes out through sender; screen frames through hub.
func NewRelay(cfg Config, dir Directory, sender interfaces.PacketSender, hub interfaces.Broadcaster, m *metrics.Metrics) *Relay {
	if cfg.VideoSweepInterval <= 0 {
		cfg.VideoSweepInterval = DefaultVideoSweepInterval
	}
	if cfg.VideoStreamTimeout <= 0 {
		cfg.VideoStreamTimeout = DefaultVideoStreamTimeout
	}

	r := &Relay{
		cfg:     cfg,
		dir:     dir,
		sender:  sender,
		metrics: m,
		log:     logrus.WithField("component", "media_relay"),
	}
	r.Audio = NewAudioMixer(cfg.AudioBufferSize, cfg.AudioInterval, r.sendMixed, m)
	r.Video = NewVideoBroadcaster(dir, sender, m)
	r.Screen = NewScreenShareRelay(dir, hub, m)
	return r
}

// HandlePacket routes a packet that already passed sender checks. raw
// is the datagram as received and is forwarded unchanged for video.
func (r *Relay) HandlePacket(pkt *protocol.Packet, raw []byte) {
	switch pkt.PacketType {
	case protocol.PacketAudio:
		r.audioPackets.Add(1)
		r.Audio.AddAudio(pkt.SenderID, pkt.Data)
	case protocol.PacketVideo:
		r.videoPackets.Add(1)
		report := r.Video.Broadcast(pkt, raw)
		r.relayedBytes.Add(uint64(report.Delivered * len(raw)))
	}
	r.metrics.PacketReceived(string(pkt.PacketType))
}

func (r *Relay) sendMixed(pkt *protocol.Packet) {
	raw, err := pkt.Marshal()
	if err != nil {
		r.log.WithError(err).Warn("Failed to encode mixed audio")
		return
	}
	r.mixedPackets.Add(1)
	report := fanOut(r.dir.UDPTargets(), "", raw, r.sender, string(protocol.PacketAudio), r.metrics, r.log)
	r.relayedBytes.Add(uint64(report.Delivered * len(raw)))
}

// RemoveClient forgets all media state of a departed client.
func (r *Relay) RemoveClient(clientID string) {
	r.Audio.RemoveClient(clientID)
	r.Video.RemoveSender(clientID)
}

// Run drives the mixer and the stale-stream sweep until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Audio.Run(ctx) })
	g.Go(func() error { return r.sweepLoop(ctx) })
	return g.Wait()
}

func (r *Relay) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.VideoSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Video.SweepStale(r.cfg.VideoStreamTimeout)
		}
	}
}

// Start runs the relay in the background. Stop ends it.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = r.Run(ctx)
	}(r.done)
	r.log.Info("Media relay started")
}

func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.log.Info("Media relay stopped")
}

// RelayedBytes is the running total of media bytes sent.
func (r *Relay) RelayedBytes() uint64 {
	return r.relayedBytes.Load()
}

func (r *Relay) Stats() Stats {
	relayed, rejected := r.Screen.Counts()
	return Stats{
		AudioPackets:  r.audioPackets.Load(),
		VideoPackets:  r.videoPackets.Load(),
		MixedPackets:  r.mixedPackets.Load(),
		RelayedBytes:  r.relayedBytes.Load(),
		ScreenFrames:  relayed,
		ScreenRejects: rejected,
		VideoStreams:  r.Video.Streams(),
	}
}
