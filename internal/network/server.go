// Package network runs the TCP control plane and the UDP media plane.
// One goroutine reads each client connection; background workers
// accept connections, read media, sweep heartbeats, mix audio and
// monitor delivery quality, all under one errgroup.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lancollab/internal/hub"
	"lancollab/internal/media"
	"lancollab/internal/metrics"
	"lancollab/internal/router"
	"lancollab/internal/session"
	"lancollab/internal/transport"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// Defaults for Options fields left at zero.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultJoinTimeout       = 10 * time.Second
	DefaultShutdownGrace     = time.Second
	DefaultWorkerJoinTimeout = 5 * time.Second
	DefaultMonitorInterval   = 5 * time.Second

	welcomeHistory = 100
)

// Options configure a Server.
type Options struct {
	Host    string
	TCPPort int
	UDPPort int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	JoinTimeout       time.Duration
	SendTimeout       time.Duration
	SendQueueSize     int
	MaxFrameSize      int

	ShutdownGrace     time.Duration
	WorkerJoinTimeout time.Duration
	MonitorInterval   time.Duration

	ChatRate  float64
	ChatBurst int

	Media media.Config
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = transport.DefaultSendTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = transport.DefaultQueueSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.ShutdownGrace < 0 {
		o.ShutdownGrace = 0
	}
	if o.WorkerJoinTimeout <= 0 {
		o.WorkerJoinTimeout = DefaultWorkerJoinTimeout
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
}

// clientHandle is the server's view of one joined client.
type clientHandle struct {
	conn  *transport.Conn
	state *stateMachine
}

// Server is the collaboration server.
type Server struct {
	opts Options

	session  *session.Manager
	hub      *hub.Hub
	router   *router.Router
	relay    *media.Relay
	udp      *transport.UDPServer
	monitor  *metrics.Monitor
	recorder *recorder
	metrics  *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[*transport.Conn]struct{}
	clients  map[string]*clientHandle
	serving  bool

	shuttingDown atomic.Bool
	workers      sync.WaitGroup

	now func() time.Time
	log *logrus.Entry
}

// NewServer wires the hub, router, media relay and monitor around sess.
// archive and m may be nil.
func NewServer(opts Options, sess *session.Manager, archive interfaces.Archive, m *metrics.Metrics) (*Server, error) {
	opts.applyDefaults()

	s := &Server{
		opts:     opts,
		session:  sess,
		recorder: newRecorder(archive, sess.SessionID(), m),
		metrics:  m,
		conns:    make(map[*transport.Conn]struct{}),
		clients:  make(map[string]*clientHandle),
		now:      time.Now,
		log:      logrus.WithField("component", "network"),
	}

	s.hub = hub.NewHub(sess, m)
	s.hub.SetMaxFrameSize(opts.MaxFrameSize)
	s.hub.OnRemoved(func(clientID string) { s.release(clientID, true, StateError) })
	if s.recorder != nil {
		s.hub.Subscribe(s.recorder)
	}

	s.udp = transport.NewUDPServer(net.JoinHostPort(opts.Host, strconv.Itoa(opts.UDPPort)), m)
	s.relay = media.NewRelay(opts.Media, sess, s.udp, s.hub, m)
	s.router = router.NewRouter(router.NewRateLimiter(rate.Limit(opts.ChatRate), opts.ChatBurst), m)
	s.monitor = metrics.NewMonitor(s, opts.MonitorInterval, s.qualityChanged)
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Hub exposes the broadcast hub so observers can subscribe to events.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Listen binds the TCP and UDP sockets. Failures wrap ErrBind.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.TCPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: tcp %s: %w", ErrBind, addr, err)
	}
	if err := s.udp.Listen(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("%w: udp port %d: %w", ErrBind, s.opts.UDPPort, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"tcp": ln.Addr().String(),
		"udp": s.udp.LocalAddr().String(),
	}).Info("Server listening")
	return nil
}

// Addr returns the TCP listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// UDPAddr returns the media socket address, or nil before Listen.
func (s *Server) UDPAddr() *net.UDPAddr {
	return s.udp.LocalAddr()
}

// Serve runs every worker until ctx is cancelled or one of them fails,
// then shuts down: clients get server_shutdown, a grace period passes,
// sockets close and workers are awaited for a bounded time.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	switch {
	case ln == nil:
		s.mu.Unlock()
		return ErrNotListening
	case s.serving:
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.serving = true
	s.mu.Unlock()

	if err := s.hub.Start(context.Background()); err != nil {
		return err
	}

	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		if s.recorder != nil {
			_ = s.recorder.run(s.session.StartTime(), s.now)
		}
	}()

	started, _ := json.Marshal(map[string]any{
		"session_id": s.session.SessionID(),
		"tcp_addr":   ln.Addr().String(),
	})
	s.hub.Publish(types.SessionEvent{
		Type:      types.EventSessionStarted,
		Data:      started,
		Timestamp: s.session.StartTime(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error { return s.udp.ReadLoop(gctx, s.handlePacket) })
	g.Go(func() error { return s.relay.Run(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error { return s.monitor.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	err := g.Wait()

	select {
	case <-recorderDone:
	case <-time.After(s.opts.WorkerJoinTimeout):
		s.log.Warn("Archive writer did not finish in time")
	}
	s.log.Info("Server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.shuttingDown.Load() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.mu.Lock()
		if s.shuttingDown.Load() {
			s.mu.Unlock()
			_ = raw.Close()
			continue
		}
		s.workers.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.workers.Done()
			s.serveConn(ctx, raw)
		}()
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes clients that missed their heartbeats and flushes the
// resulting departure notices.
func (s *Server) sweep() []string {
	removed := s.session.CleanupInactiveClients(s.opts.HeartbeatTimeout)
	s.hub.FlushPending()
	for _, id := range removed {
		s.release(id, false, StateTimeout)
	}
	s.router.Cleanup(10 * s.opts.HeartbeatTimeout)
	return removed
}

// release drops the server-side state of a client that has left the
// session. The connection is closed unless a final message is still
// queued on it.
func (s *Server) release(clientID string, closeConn bool, terminal ClientState) {
	s.mu.Lock()
	h := s.clients[clientID]
	delete(s.clients, clientID)
	s.mu.Unlock()

	s.relay.RemoveClient(clientID)
	s.router.Forget(clientID)
	s.metrics.SetClients(s.session.ClientCount())

	if h == nil {
		return
	}
	h.state.To(terminal)
	if closeConn {
		_ = h.conn.Close()
	}
}

// disconnect removes a client on behalf of its own reader goroutine.
func (s *Server) disconnect(clientID, reason string, terminal ClientState) {
	s.mu.Lock()
	h := s.clients[clientID]
	s.mu.Unlock()
	if h != nil {
		h.state.To(terminal)
	}
	if !s.hub.RemoveNow(clientID, reason) {
		s.release(clientID, true, terminal)
	}
}

func (s *Server) qualityChanged(t metrics.QualityTarget) {
	s.log.WithFields(logrus.Fields{
		"video_quality":  t.VideoQuality,
		"screen_quality": t.ScreenQuality,
		"frame_rate":     t.FrameRate,
		"reason":         t.Reason,
	}).Info("Quality targets changed")
	s.broadcast(protocol.TypeQualityUpdate, qualityPayload(t), "", types.DeliveryControl)
}

func qualityPayload(t metrics.QualityTarget) *protocol.QualityUpdatePayload {
	return &protocol.QualityUpdatePayload{
		VideoQuality:  t.VideoQuality,
		ScreenQuality: t.ScreenQuality,
		FrameRate:     t.FrameRate,
		Reason:        t.Reason,
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		return
	}
	s.shuttingDown.Store(true)
	ln := s.listener
	s.mu.Unlock()

	s.log.WithField("clients", s.session.ClientCount()).Info("Shutting down")
	s.broadcast(protocol.TypeServerShutdown, &protocol.ServerShutdownPayload{
		Reason:       "server shutting down",
		GraceSeconds: s.opts.ShutdownGrace.Seconds(),
	}, "", types.DeliveryControl)

	deadline := time.Now().Add(s.opts.ShutdownGrace)
	for _, c := range s.openConns() {
		c.Flush(time.Until(deadline))
	}
	time.Sleep(time.Until(deadline))

	_ = ln.Close()
	_ = s.udp.Close()

	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.session.RemoveClient(id)
		s.release(id, true, StateError)
	}
	for _, c := range s.openConns() {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.WorkerJoinTimeout):
		s.log.Warn("Client workers did not exit in time")
	}

	_ = s.hub.Stop()
	s.recorder.close()
}

func (s *Server) track(c *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) openConns() []*transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// ClientCount, DeliveryTotals and RelayedBytes feed the performance
// monitor.
func (s *Server) ClientCount() int { return s.session.ClientCount() }

func (s *Server) DeliveryTotals() (attempted, failed uint64) { return s.hub.DeliveryTotals() }

func (s *Server) RelayedBytes() uint64 { return s.relay.RelayedBytes() }

// Stats summarises the server for the monitoring API.
type Stats struct {
	Clients           int                   `json:"clients"`
	OpenConnections   int                   `json:"open_connections"`
	DeliveryAttempted uint64                `json:"delivery_attempted"`
	DeliveryFailed    uint64                `json:"delivery_failed"`
	Quality           metrics.QualityTarget `json:"quality"`
	Media             media.Stats           `json:"media"`
	ShuttingDown      bool                  `json:"shutting_down"`
}

func (s *Server) Stats() Stats {
	attempted, failed := s.hub.DeliveryTotals()
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Clients:           s.session.ClientCount(),
		OpenConnections:   open,
		DeliveryAttempted: attempted,
		DeliveryFailed:    failed,
		Quality:           s.monitor.Current(),
		Media:             s.relay.Stats(),
		ShuttingDown:      s.shuttingDown.Load(),
	}
}
