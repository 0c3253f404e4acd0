package websocket

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/pkg/types"
)

// DefaultMaxObservers caps concurrent dashboard connections.
const DefaultMaxObservers = 32

// Registry tracks observers and fans session events out to them. It is
// an event sink of the broadcast hub.
type Registry struct {
	mu        sync.RWMutex
	observers map[string]*Connection
	limit     int

	published atomic.Uint64
	dropped   atomic.Uint64

	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewRegistry creates a registry holding at most limit observers.
func NewRegistry(limit int, m *metrics.Metrics) *Registry {
	if limit <= 0 {
		limit = DefaultMaxObservers
	}
	return &Registry{
		observers: make(map[string]*Connection),
		limit:     limit,
		metrics:   m,
		log:       logrus.WithField("component", "observer_registry"),
	}
}

// Register adds conn. It fails once the limit is reached.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	if len(r.observers) >= r.limit {
		r.mu.Unlock()
		return ErrObserverLimit
	}
	r.observers[conn.ID()] = conn
	n := len(r.observers)
	r.mu.Unlock()

	r.metrics.SetObservers(n)
	return nil
}

// Unregister removes conn. Removing an unknown connection is a no-op.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	if r.observers[conn.ID()] != conn {
		r.mu.Unlock()
		return
	}
	delete(r.observers, conn.ID())
	n := len(r.observers)
	r.mu.Unlock()

	r.metrics.SetObservers(n)
}

// Publish encodes ev once and queues it for every observer. Observers
// whose buffer is full miss the event; closed ones are dropped.
func (r *Registry) Publish(ev types.SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.WithError(err).WithField("event", ev.Type).Error("Failed to encode event")
		return
	}

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.observers))
	for _, c := range r.observers {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	r.published.Add(1)
	for _, c := range conns {
		switch err := c.TrySend(data); err {
		case nil:
		case ErrConnectionClosed:
			r.Unregister(c)
		default:
			r.dropped.Add(1)
			r.metrics.ObserverDrop()
			r.log.WithField("observer_id", c.ID()).Debug("Observer too slow, event dropped")
		}
	}
}

// Count returns the number of registered observers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// CloseAll disconnects every observer.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.observers
	r.observers = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	r.metrics.SetObservers(0)
}

// GetStats returns registry counters for the monitoring API.
func (r *Registry) GetStats() map[string]int {
	return map[string]int{
		"observers":        r.Count(),
		"events_published": int(r.published.Load()),
		"events_dropped":   int(r.dropped.Load()),
	}
}
