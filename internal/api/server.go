// Package api serves the read-only monitoring endpoints of a running
// session: health, session state, archived chat, metrics and the
// dashboard event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/network"
	"lancollab/pkg/interfaces"
	"lancollab/pkg/types"
)

// Limits for the ?limit= query parameter.
const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Registry is the observer registry as seen by the health check.
type Registry interface {
	GetStats() map[string]int
}

// StatsSource reports live server counters.
type StatsSource interface {
	Stats() network.Stats
}

// Deps are the components the API reads from. Archive, Metrics and
// Events may be nil; the matching endpoints then report the feature as
// unavailable.
type Deps struct {
	Session   interfaces.SessionView
	Archive   interfaces.Archive
	Observers Registry
	Stats     StatsSource
	Metrics   http.Handler
	Events    http.Handler
}

type Server struct {
	deps    Deps
	started time.Time
	router  *http.ServeMux
	log     *logrus.Entry
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		started: time.Now(),
		router:  http.NewServeMux(),
		log:     logrus.WithField("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	wrap := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(s.readOnly(h)))
	}
	s.router.Handle("/health", wrap(s.healthCheck))
	s.router.Handle("/api/session", wrap(s.getSession))
	s.router.Handle("/api/participants", wrap(s.listParticipants))
	s.router.Handle("/api/chat", wrap(s.chatHistory))
	s.router.Handle("/api/files", wrap(s.listFiles))
	s.router.Handle("/api/archive/chat", wrap(s.archivedChat))
	s.router.Handle("/api/stats", wrap(s.stats))

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.Events != nil {
		s.router.Handle("/ws/events", s.deps.Events)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id"`
	Archive     string         `json:"archive"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health. Returns 503 when the archive is configured but failing
// or the server is shutting down.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	archive := "disabled"
	if s.deps.Archive != nil {
		archive = "healthy"
		if err := s.deps.Archive.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			archive = fmt.Sprintf("error: %v", err)
		}
	}

	conns := map[string]int{}
	if s.deps.Stats != nil {
		st := s.deps.Stats.Stats()
		conns["clients"] = st.Clients
		conns["open_connections"] = st.OpenConnections
		if st.ShuttingDown {
			status = "shutting_down"
		}
	}
	if s.deps.Observers != nil {
		for k, v := range s.deps.Observers.GetStats() {
			conns[k] = v
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		SessionID:   s.deps.Session.Snapshot().SessionID,
		Archive:     archive,
		Connections: conns,
		System: map[string]any{
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc":     mem.HeapAlloc,
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		},
	}

	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.encode(w, resp)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.encode(w, s.deps.Session.Snapshot())
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	s.encode(w, map[string]any{"participants": s.deps.Session.GetParticipantList()})
}

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.encode(w, map[string]any{"messages": s.deps.Session.GetChatHistory(limit)})
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	s.encode(w, map[string]any{"files": s.deps.Session.GetSharedFiles()})
}

// GET /api/archive/chat?limit=&session_id= reads chat back from the
// archive. The current session is used when session_id is absent.
func (s *Server) archivedChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.sendError(w, "Archive is disabled", http.StatusServiceUnavailable)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = s.deps.Session.Snapshot().SessionID
	}

	entries, err := s.deps.Archive.ChatHistory(r.Context(), sessionID, limit)
	if err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("Archive chat query failed")
		s.sendError(w, "Failed to read archive", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []types.ChatEntry{}
	}
	s.encode(w, map[string]any{"session_id": sessionID, "messages": entries})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		s.sendError(w, "Stats unavailable", http.StatusServiceUnavailable)
		return
	}
	s.encode(w, s.deps.Stats.Stats())
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (s *Server) encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// readOnly refuses everything but GET.
func (s *Server) readOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
