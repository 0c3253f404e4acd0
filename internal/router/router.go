// Package router dispatches control messages from joined clients to
// their handlers.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/metrics"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
)

// Request is one control message from a joined client. The router has
// already stamped Message.SenderID with ClientID.
type Request struct {
	ClientID string
	Conn     interfaces.Connection
	Message  *protocol.Message
}

// HandlerFunc handles one message type. A returned error rejects that
// message only.
type HandlerFunc func(ctx context.Context, req *Request) error

type route struct {
	handler     HandlerFunc
	rateLimited bool
}

// RouteOption configures a route.
type RouteOption func(*route)

// RateLimited subjects a route to the per-client token bucket.
func RateLimited() RouteOption {
	return func(r *route) { r.rateLimited = true }
}

// Router maps message types to handlers.
type Router struct {
	mu          sync.RWMutex
	routes      map[string]route
	rateLimiter *RateLimiter

	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewRouter creates an empty router. A nil limiter selects the default
// token bucket.
func NewRouter(limiter *RateLimiter, m *metrics.Metrics) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRate, DefaultBurst)
	}
	return &Router{
		routes:      make(map[string]route),
		rateLimiter: limiter,
		metrics:     m,
		log:         logrus.WithField("component", "router"),
	}
}

// Handle registers fn for msgType.
func (r *Router) Handle(msgType string, fn HandlerFunc, opts ...RouteOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[msgType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, msgType)
	}
	rt := route{handler: fn}
	for _, opt := range opts {
		opt(&rt)
	}
	r.routes[msgType] = rt
	return nil
}

// Dispatch validates msg, attributes it to clientID and runs its
// handler. A message claiming another sender is refused.
func (r *Router) Dispatch(ctx context.Context, clientID string, conn interfaces.Connection, msg *protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.SenderID != "" && msg.SenderID != clientID {
		return fmt.Errorf("%w: %q", ErrSenderMismatch, msg.SenderID)
	}
	msg.SenderID = clientID

	r.mu.RLock()
	rt, ok := r.routes[msg.MsgType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.MsgType)
	}
	r.metrics.ControlMessage(msg.MsgType)

	if rt.rateLimited && !r.rateLimiter.Allow(clientID) {
		r.log.WithFields(logrus.Fields{
			"client_id": clientID,
			"msg_type":  msg.MsgType,
		}).Debug("Rate limit exceeded")
		return ErrRateLimitExceeded
	}

	return rt.handler(ctx, &Request{ClientID: clientID, Conn: conn, Message: msg})
}

// Forget drops per-client router state.
func (r *Router) Forget(clientID string) {
	r.rateLimiter.Remove(clientID)
}

// Cleanup drops rate limiter state of clients idle for maxIdle.
func (r *Router) Cleanup(maxIdle time.Duration) int {
	return r.rateLimiter.Cleanup(maxIdle)
}

// Types lists the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	return out
}
