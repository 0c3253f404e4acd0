package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lancollab/internal/api"
	"lancollab/internal/config"
	"lancollab/internal/database"
	"lancollab/internal/media"
	"lancollab/internal/metrics"
	"lancollab/internal/network"
	"lancollab/internal/session"
	"lancollab/internal/websocket"
	dbconfig "lancollab/pkg/database"
	"lancollab/pkg/interfaces"
)

const httpShutdownTimeout = 5 * time.Second

// Application owns every component of a running server.
type Application struct {
	config *config.Config

	metrics   *metrics.Metrics
	archive   *database.Manager
	session   *session.Manager
	server    *network.Server
	observers *websocket.Registry

	httpServer   *http.Server
	httpListener net.Listener

	closeOnce sync.Once
	log       *logrus.Entry
}

// NewApplication builds the components in dependency order:
// archive, session, network server, observers, HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{
		config:  cfg,
		metrics: metrics.New(),
		log:     logrus.WithField("component", "app"),
	}

	var archive interfaces.Archive
	if cfg.Archive.Enabled {
		dbCfg := dbconfig.DefaultConfig()
		dbCfg.DatabasePath = cfg.Archive.Path
		dbCfg.MaxConnections = cfg.Archive.MaxConnections
		dbCfg.WriteQueueSize = cfg.Archive.WriteQueueSize
		dbCfg.WriteTimeout = cfg.Archive.WriteTimeout.Duration

		mgr, err := database.NewManager(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		a.archive = mgr
		archive = mgr
	}

	sess, err := session.NewManager(session.Options{
		UploadDir:           cfg.Session.UploadDir,
		MaxFileSize:         cfg.Session.MaxFileSize,
		ChunkSize:           cfg.Session.ChunkSize,
		MaxChunkSize:        cfg.Session.MaxChunkSize,
		MaxUploadsPerClient: cfg.Session.MaxUploads,
		BlockedExtensions:   cfg.Session.BlockedExtensions,
		MaxChatHistory:      cfg.Session.MaxChatHistory,
	})
	if err != nil {
		a.closeArchive()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	a.session = sess

	srv, err := network.NewServer(networkOptions(cfg), sess, archive, a.metrics)
	if err != nil {
		_ = sess.Close()
		a.closeArchive()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	a.server = srv

	if cfg.HTTP.Enabled {
		a.observers = websocket.NewRegistry(cfg.HTTP.MaxObservers, a.metrics)
		a.server.Hub().Subscribe(a.observers)

		deps := api.Deps{
			Session:   sess,
			Observers: a.observers,
			Stats:     a.server,
			Metrics:   a.metrics.Handler(),
			Events:    http.HandlerFunc(websocket.NewHandler(a.observers, sess).HandleWebSocket),
		}
		if archive != nil {
			deps.Archive = archive
		}
		a.httpServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
			Handler:           api.NewServer(deps),
			ReadTimeout:       cfg.HTTP.ReadTimeout.Duration,
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout.Duration,
			WriteTimeout:      cfg.HTTP.WriteTimeout.Duration,
		}
	}
	return a, nil
}

func networkOptions(cfg *config.Config) network.Options {
	s := cfg.Server
	return network.Options{
		Host:              s.Host,
		TCPPort:           s.TCPPort,
		UDPPort:           s.UDPPort,
		HeartbeatInterval: s.HeartbeatInterval.Duration,
		HeartbeatTimeout:  s.HeartbeatTimeout.Duration,
		JoinTimeout:       s.JoinTimeout.Duration,
		SendTimeout:       s.SendTimeout.Duration,
		SendQueueSize:     s.SendQueueSize,
		MaxFrameSize:      s.MaxFrameSize,
		ShutdownGrace:     s.ShutdownGrace.Duration,
		WorkerJoinTimeout: s.WorkerJoinTimeout.Duration,
		MonitorInterval:   s.MonitorInterval.Duration,
		ChatRate:          s.ChatRate,
		ChatBurst:         s.ChatBurst,
		Media: media.Config{
			AudioInterval:      cfg.Media.AudioInterval.Duration,
			AudioBufferSize:    cfg.Media.AudioBufferSize,
			VideoSweepInterval: cfg.Media.VideoSweepInterval.Duration,
			VideoStreamTimeout: cfg.Media.VideoStreamTimeout.Duration,
		},
	}
}

// Listen binds the TCP, UDP and HTTP sockets. Nothing is served until
// Run.
func (a *Application) Listen() error {
	if a.httpServer != nil {
		ln, err := net.Listen("tcp", a.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("%w: http %s: %w", network.ErrBind, a.httpServer.Addr, err)
		}
		a.httpListener = ln
	}
	if err := a.server.Listen(); err != nil {
		if a.httpListener != nil {
			_ = a.httpListener.Close()
			a.httpListener = nil
		}
		return err
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts everything down and
// releases the archive. Listen must have succeeded first.
func (a *Application) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Serve(gctx) })

	if a.httpListener != nil {
		g.Go(func() error {
			a.log.WithField("addr", a.httpListener.Addr().String()).Info("Monitoring API listening")
			if err := a.httpServer.Serve(a.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			a.observers.CloseAll()
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				a.log.WithError(err).Warn("HTTP server shutdown error")
			}
			return nil
		})
	}

	a.log.WithField("session_id", a.session.SessionID()).Info("LAN collaboration server started")
	err := g.Wait()
	a.log.Info("LAN collaboration server stopped")
	return err
}

// close releases what Run leaves behind. Safe to call more than once.
func (a *Application) close() {
	a.closeOnce.Do(func() {
		if a.httpListener != nil {
			_ = a.httpListener.Close()
		}
		_ = a.session.Close()
		a.closeArchive()
	})
}

func (a *Application) closeArchive() {
	if a.archive == nil {
		return
	}
	if err := a.archive.Close(); err != nil {
		a.log.WithError(err).Warn("Archive shutdown error")
	}
}

// Close releases resources of an application that never ran.
func (a *Application) Close() { a.close() }

func (a *Application) Session() *session.Manager { return a.session }

// TCPAddr, UDPAddr and HTTPAddr are valid after Listen.
func (a *Application) TCPAddr() net.Addr { return a.server.Addr() }

func (a *Application) UDPAddr() *net.UDPAddr { return a.server.UDPAddr() }

func (a *Application) HTTPAddr() net.Addr {
	if a.httpListener == nil {
		return nil
	}
	return a.httpListener.Addr()
}
