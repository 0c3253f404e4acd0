package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lancollab/pkg/types"
)

// Keepalive timing of observer connections.
const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// EventSnapshot is the first message every observer receives.
const EventSnapshot = "snapshot"

var upgrader = websocket.Upgrader{
	// The dashboard is served from other hosts on the LAN.
	CheckOrigin:      func(*http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// SnapshotSource provides the session state sent to new observers.
type SnapshotSource interface {
	Snapshot() types.SessionSnapshot
}

// Handler upgrades dashboard requests to read-only event streams.
type Handler struct {
	registry *Registry
	session  SnapshotSource
	now      func() time.Time
	log      *logrus.Entry
}

func NewHandler(registry *Registry, session SnapshotSource) *Handler {
	return &Handler{
		registry: registry,
		session:  session,
		now:      time.Now,
		log:      logrus.WithField("component", "observer_handler"),
	}
}

// HandleWebSocket serves GET /ws/events. The observer first gets a
// snapshot of the session, then every event the hub publishes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	conn := NewConnection(ws)

	if err := conn.WriteJSON(h.snapshotEvent()); err != nil {
		h.log.WithError(err).Warn("Failed to queue session snapshot")
		_ = conn.Close()
		return
	}

	if err := h.registry.Register(conn); err != nil {
		h.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("Observer refused")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.log.WithField("observer_id", conn.ID()).Info("Observer connected")

	go h.handleConnection(conn)
}

func (h *Handler) snapshotEvent() map[string]any {
	return map[string]any{
		"type":      EventSnapshot,
		"data":      h.session.Snapshot(),
		"timestamp": h.now(),
	}
}

// handleConnection keeps the observer alive with pings and discards
// anything it sends. The stream is one-way.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.log.WithField("observer_id", conn.ID()).Info("Observer disconnected")
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("Observer read failed")
			}
			return
		}
	}
}
