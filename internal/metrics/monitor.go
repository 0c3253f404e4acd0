package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Baseline quality targets for an idle LAN.
const (
	BaseVideoQuality  = 70
	BaseScreenQuality = 80
	BaseFrameRate     = 15

	minVideoQuality  = 30
	minScreenQuality = 40
	minFrameRate     = 5

	// failureRatioLimit is the share of failed deliveries above which
	// targets are lowered.
	failureRatioLimit = 0.05
	// bandwidthLimit is the relayed media rate, in bytes per second,
	// above which video targets are lowered.
	bandwidthLimit = 8 << 20
)

// Sample is one observation of server load.
type Sample struct {
	Clients        int
	Attempted      uint64
	Failed         uint64
	BytesPerSecond float64
}

// FailureRatio returns Failed / Attempted, or 0 without traffic.
func (s Sample) FailureRatio() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Attempted)
}

// QualityTarget is advice for client encoders. The server never
// touches media content itself.
type QualityTarget struct {
	VideoQuality  int    `json:"video_quality"`
	ScreenQuality int    `json:"screen_quality"`
	FrameRate     int    `json:"frame_rate"`
	Reason        string `json:"reason"`
}

// Recommend derives quality targets from a load sample.
func Recommend(s Sample) QualityTarget {
	t := QualityTarget{
		VideoQuality:  BaseVideoQuality,
		ScreenQuality: BaseScreenQuality,
		FrameRate:     BaseFrameRate,
	}
	var reasons []string

	if s.Clients > 10 {
		t.VideoQuality -= 10
		t.ScreenQuality -= 5
		t.FrameRate -= 3
		reasons = append(reasons, "many clients")
	}
	if s.Clients > 20 {
		t.VideoQuality -= 10
		t.ScreenQuality -= 5
		t.FrameRate -= 2
	}
	if s.FailureRatio() > failureRatioLimit {
		t.VideoQuality -= 15
		t.ScreenQuality -= 10
		t.FrameRate -= 5
		reasons = append(reasons, "delivery failures")
	}
	if s.BytesPerSecond > bandwidthLimit {
		t.VideoQuality -= 10
		t.FrameRate -= 2
		reasons = append(reasons, "bandwidth")
	}

	t.VideoQuality = max(t.VideoQuality, minVideoQuality)
	t.ScreenQuality = max(t.ScreenQuality, minScreenQuality)
	t.FrameRate = max(t.FrameRate, minFrameRate)

	t.Reason = "nominal"
	if len(reasons) > 0 {
		t.Reason = strings.Join(reasons, ", ")
	}
	return t
}

// Source supplies the raw counters the monitor samples. Delivery and
// byte counts are running totals; the monitor works on deltas.
type Source interface {
	ClientCount() int
	DeliveryTotals() (attempted, failed uint64)
	RelayedBytes() uint64
}

// Monitor periodically samples a Source and reports target changes.
type Monitor struct {
	source   Source
	interval time.Duration
	onChange func(QualityTarget)

	mu            sync.Mutex
	current       QualityTarget
	lastAttempted uint64
	lastFailed    uint64
	lastBytes     uint64
	lastSample    time.Time
	now           func() time.Time

	log *logrus.Entry
}

// NewMonitor creates a monitor that starts from the baseline targets.
// onChange is called from the monitor goroutine.
func NewMonitor(source Source, interval time.Duration, onChange func(QualityTarget)) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		source:   source,
		interval: interval,
		onChange: onChange,
		current:  Recommend(Sample{}),
		now:      time.Now,
		log:      logrus.WithField("component", "monitor"),
	}
}

// Current returns the targets in force.
func (m *Monitor) Current() QualityTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.lastSample = m.now()
	m.lastAttempted, m.lastFailed = m.source.DeliveryTotals()
	m.lastBytes = m.source.RelayedBytes()
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick takes one sample and fires onChange when the targets move.
func (m *Monitor) Tick() QualityTarget {
	attempted, failed := m.source.DeliveryTotals()
	bytes := m.source.RelayedBytes()
	clients := m.source.ClientCount()

	m.mu.Lock()
	now := m.now()
	elapsed := now.Sub(m.lastSample).Seconds()
	s := Sample{
		Clients:   clients,
		Attempted: attempted - m.lastAttempted,
		Failed:    failed - m.lastFailed,
	}
	if elapsed > 0 {
		s.BytesPerSecond = float64(bytes-m.lastBytes) / elapsed
	}
	m.lastAttempted, m.lastFailed, m.lastBytes, m.lastSample = attempted, failed, bytes, now

	target := Recommend(s)
	changed := target.VideoQuality != m.current.VideoQuality ||
		target.ScreenQuality != m.current.ScreenQuality ||
		target.FrameRate != m.current.FrameRate
	m.current = target
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"clients":        s.Clients,
		"failure_ratio":  s.FailureRatio(),
		"bytes_per_sec":  int64(s.BytesPerSecond),
		"video_quality":  target.VideoQuality,
		"screen_quality": target.ScreenQuality,
		"frame_rate":     target.FrameRate,
	}).Debug("Performance sample")

	if changed && m.onChange != nil {
		m.onChange(target)
	}
	return target
}
