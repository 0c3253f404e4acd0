// Package hub delivers control messages to connected clients. It
// encodes each broadcast once, collects per-recipient failures and
// removes clients whose transport is confirmed dead.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/internal/session"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// Directory is the part of the session the hub needs.
type Directory interface {
	SessionID() string
	Connections(excludeID string) []session.Target
	GracefulClientRemoval(clientID, reason string) bool
	GetPendingBroadcasts() []session.Outbound
}

// EventSink receives session events derived from broadcasts.
type EventSink interface {
	Publish(event types.SessionEvent)
}

// Channel sizes of the hub loop.
const (
	eventBuffer   = 1000
	removalBuffer = 100
)

// Hub fans control messages out over the clients' connections.
type Hub struct {
	dir Directory

	events   chan types.SessionEvent
	removals chan string
	shutdown chan struct{}
	done     chan struct{}

	sinksMu   sync.RWMutex
	sinks     []EventSink
	onRemoved func(clientID string)

	running bool
	mu      sync.RWMutex

	attempted atomic.Uint64
	failed    atomic.Uint64

	maxFrameSize int

	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewHub creates a hub over dir. m may be nil.
func NewHub(dir Directory, m *metrics.Metrics) *Hub {
	return &Hub{
		dir:      dir,
		events:   make(chan types.SessionEvent, eventBuffer),
		removals: make(chan string, removalBuffer),
		metrics:  m,
		log:      logrus.WithField("component", "hub"),
	}
}

// SetMaxFrameSize sets the limit broadcasts are encoded against. It
// must match what clients accept; zero selects the protocol default.
func (h *Hub) SetMaxFrameSize(n int) {
	h.maxFrameSize = n
}

// Subscribe adds a sink for session events. Sinks must not block.
func (h *Hub) Subscribe(sink EventSink) {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	h.sinks = append(h.sinks, sink)
}

// OnRemoved registers a callback run after the hub removed a client
// whose connection failed. The network layer uses it to release the
// client's transport and media state.
func (h *Hub) OnRemoved(fn func(clientID string)) {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	h.onRemoved = fn
}

// Start begins the hub loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	go h.run(ctx, h.shutdown, h.done)
	h.log.Info("Hub started")
	return nil
}

// Stop ends the hub loop and waits for it. Queued events are published
// before it returns.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.log.Info("Hub stopped")
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-h.events:
			h.publish(ev)
		case id := <-h.removals:
			h.remove(id)
		case <-shutdown:
			h.drain()
			return
		case <-ctx.Done():
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.events:
			h.publish(ev)
		default:
			return
		}
	}
}

// Broadcast sends msg to every client except excludeID. The frame is
// encoded once and handed to each connection without waiting, so a
// recipient with a full queue misses it rather than stalling the rest. Failures are logged once per call; for every kind but
// file announcements a confirmed-dead recipient is removed from the
// session.
func (h *Hub) Broadcast(msg *protocol.Message, excludeID, kind string) types.DeliveryReport {
	report := types.DeliveryReport{}

	frame, err := protocol.EncodeFrameLimit(msg, h.maxFrameSize)
	if err != nil {
		h.log.WithError(err).WithField("msg_type", msg.MsgType).Error("Failed to encode broadcast")
		return report
	}

	var dead []string
	for _, t := range h.dir.Connections(excludeID) {
		report.Attempted++
		if err := t.Conn.SendFrame(frame); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]error)
			}
			report.Failed[t.ClientID] = err
			if confirmedDead(err, t.Conn) {
				dead = append(dead, t.ClientID)
			}
			continue
		}
		report.Delivered++
	}

	h.account(report, kind)
	if n := report.Failures(); n > 0 {
		ids := make([]string, 0, n)
		for id := range report.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		h.log.WithFields(logrus.Fields{
			"msg_type":  msg.MsgType,
			"kind":      kind,
			"failed":    ids,
			"attempted": report.Attempted,
		}).Warn("Broadcast had failures")
	}

	if kind != types.DeliveryFile {
		for _, id := range dead {
			h.scheduleRemoval(id)
		}
	}
	if kind != types.DeliveryScreen {
		h.emit(msg)
	}
	return report
}

// Deliver sends one staged message: a broadcast or a direct message.
func (h *Hub) Deliver(out session.Outbound) types.DeliveryReport {
	if out.IsBroadcast() {
		return h.Broadcast(out.Message, out.ExcludeID, out.Kind)
	}

	report := types.DeliveryReport{Attempted: 1}
	var err error
	if out.CloseAfter {
		err = out.Recipient.SendAndClose(out.Message)
	} else {
		err = out.Recipient.Send(out.Message)
	}
	if err != nil {
		report.Failed = map[string]error{out.RecipientID: err}
		h.log.WithError(err).WithFields(logrus.Fields{
			"client_id": out.RecipientID,
			"msg_type":  out.Message.MsgType,
		}).Warn("Direct message failed")
	} else {
		report.Delivered = 1
	}
	h.account(report, out.Kind)
	return report
}

// SendTo sends msg to a single connection.
func (h *Hub) SendTo(clientID string, conn interfaces.Connection, msg *protocol.Message) error {
	if conn == nil {
		return ErrNoRecipient
	}
	report := h.Deliver(session.Outbound{
		Message:     msg,
		Kind:        types.DeliveryControl,
		Recipient:   conn,
		RecipientID: clientID,
	})
	return report.Failed[clientID]
}

// FlushPending delivers everything the session has staged, in order.
// It returns the number of messages delivered.
func (h *Hub) FlushPending() int {
	n := 0
	for {
		pending := h.dir.GetPendingBroadcasts()
		if len(pending) == 0 {
			return n
		}
		for _, out := range pending {
			h.Deliver(out)
			n++
		}
	}
}

// DeliveryTotals returns the attempted and failed deliveries so far.
func (h *Hub) DeliveryTotals() (attempted, failed uint64) {
	return h.attempted.Load(), h.failed.Load()
}

// RemoveNow removes a client synchronously and flushes the resulting
// departure messages.
func (h *Hub) RemoveNow(clientID, reason string) bool {
	if !h.dir.GracefulClientRemoval(clientID, reason) {
		return false
	}
	h.removed(clientID)
	h.FlushPending()
	return true
}

func (h *Hub) account(report types.DeliveryReport, kind string) {
	h.attempted.Add(uint64(report.Attempted))
	if n := report.Failures(); n > 0 {
		h.failed.Add(uint64(n))
		h.metrics.BroadcastFailures(kind, n)
	}
}

func (h *Hub) scheduleRemoval(clientID string) {
	if !h.isRunning() {
		h.remove(clientID)
		return
	}
	select {
	case h.removals <- clientID:
	default:
		h.log.WithField("client_id", clientID).Warn("Removal queue full, removing inline")
		h.remove(clientID)
	}
}

func (h *Hub) remove(clientID string) {
	if h.RemoveNow(clientID, session.ReasonSendFailed) {
		h.log.WithField("client_id", clientID).Info("Removed client after failed delivery")
	}
}

func (h *Hub) removed(clientID string) {
	h.sinksMu.RLock()
	fn := h.onRemoved
	h.sinksMu.RUnlock()
	if fn != nil {
		fn(clientID)
	}
}

// Publish hands an event to the sinks. Events raised while the hub
// runs are published on the hub goroutine.
func (h *Hub) Publish(ev types.SessionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if !h.isRunning() {
		h.publish(ev)
		return
	}
	select {
	case h.events <- ev:
	default:
		h.log.WithField("event", ev.Type).Warn("Event queue full, dropping event")
	}
}

func (h *Hub) publish(ev types.SessionEvent) {
	h.sinksMu.RLock()
	sinks := append([]EventSink(nil), h.sinks...)
	h.sinksMu.RUnlock()

	for _, s := range sinks {
		s.Publish(ev)
	}
}

func (h *Hub) emit(msg *protocol.Message) {
	evType, ok := broadcastEvents[msg.MsgType]
	if !ok {
		return
	}
	h.Publish(types.SessionEvent{
		Type:      evType,
		ClientID:  eventClient(msg),
		Data:      msg.Data,
		Timestamp: msg.Time(),
	})
}

// broadcastEvents maps broadcast message types to session events.
var broadcastEvents = map[string]string{
	protocol.TypeParticipantJoined:       types.EventParticipantJoined,
	protocol.TypeParticipantLeft:         types.EventParticipantLeft,
	protocol.TypeParticipantStatusUpdate: types.EventMediaStatus,
	protocol.TypeChat:                    types.EventChat,
	protocol.TypeFileAvailable:           types.EventFileShared,
	protocol.TypePresenterGranted:        types.EventPresenterChanged,
	protocol.TypeScreenShareStart:        types.EventScreenShare,
	protocol.TypeScreenShareStop:         types.EventScreenShare,
	protocol.TypeQualityUpdate:           types.EventQualityUpdate,
	protocol.TypeServerShutdown:          types.EventShutdown,
}

func eventClient(msg *protocol.Message) string {
	if msg.SenderID != protocol.ServerID {
		return msg.SenderID
	}
	return ""
}

func confirmedDead(err error, conn interfaces.Connection) bool {
	return errors.Is(err, interfaces.ErrConnectionClosed) || conn.IsClosed()
}
