// Package session holds the authoritative state of the collaboration
// session: who is connected, who presents, the chat history and the
// shared files. It performs no network I/O. Messages that must reach
// clients as a consequence of a state change are staged and drained by
// the network layer through GetPendingBroadcasts.
package session

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lancollab/pkg/interfaces"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// Options configures a Manager.
type Options struct {
	UploadDir   string
	MaxFileSize int64
	// ChunkSize is used when an announcement does not pick one. An
	// announced size must lie between min(ChunkSize, MinChunkSize) and
	// MaxChunkSize.
	ChunkSize           int
	MaxChunkSize        int
	MaxUploadsPerClient int
	BlockedExtensions   []string
	MaxChatHistory      int
}

// Option customises a Manager beyond its Options.
type Option func(*Manager)

// WithClock replaces time.Now. Tests use it to age heartbeats.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger entry used by the manager.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// Manager is the session singleton. One mutex guards all session
// state; helpers suffixed Locked expect it to be held. Each upload has
// its own lock, always taken before m.mu.
type Manager struct {
	mu sync.Mutex

	sessionID string
	startTime time.Time

	clients            map[string]*ClientConnection
	activePresenter    string
	activeScreenSharer string
	chatHistory        []types.ChatEntry

	sharedFiles map[string]types.FileMetadata
	filePaths   map[string]string
	staged      map[string]types.FileMetadata
	uploads     map[string]*uploadState

	pending []Outbound

	opts Options
	now  func() time.Time
	log  *logrus.Entry
}

// NewManager creates the session and its upload directories.
func NewManager(opts Options, options ...Option) (*Manager, error) {
	if opts.UploadDir == "" {
		return nil, ErrInvalidUploadDir
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = types.DefaultChunkSize
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = types.MaxChunkSize
	}
	if opts.ChunkSize < 0 || opts.ChunkSize > opts.MaxChunkSize {
		return nil, ErrInvalidChunkSize
	}
	if opts.MaxUploadsPerClient <= 0 {
		opts.MaxUploadsPerClient = types.MaxUploadsPerClient
	}
	if opts.MaxFileSize <= 0 || opts.MaxFileSize > types.MaxFileSize {
		opts.MaxFileSize = types.MaxFileSize
	}
	if opts.MaxChatHistory <= 0 {
		opts.MaxChatHistory = types.MaxChatHistory
	}

	m := &Manager{
		sessionID:   uuid.NewString(),
		clients:     make(map[string]*ClientConnection),
		sharedFiles: make(map[string]types.FileMetadata),
		filePaths:   make(map[string]string),
		staged:      make(map[string]types.FileMetadata),
		uploads:     make(map[string]*uploadState),
		opts:        opts,
		now:         time.Now,
	}
	for _, o := range options {
		o(m)
	}
	if m.log == nil {
		m.log = logrus.WithField("component", "session")
	}
	m.startTime = m.now()

	if err := os.MkdirAll(m.partialDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"session_id": m.sessionID,
		"upload_dir": opts.UploadDir,
	}).Info("Session created")
	return m, nil
}

func (m *Manager) SessionID() string { return m.sessionID }

func (m *Manager) StartTime() time.Time { return m.startTime }

// AddClient registers a joined client and returns its new id.
func (m *Manager) AddClient(conn interfaces.Connection, username string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := uuid.NewString()
	for m.clients[id] != nil {
		id = uuid.NewString()
	}

	m.clients[id] = &ClientConnection{
		ClientID:       id,
		Username:       username,
		Conn:           conn,
		RemoteIP:       remoteIP(conn),
		ConnectionTime: now,
		LastHeartbeat:  now,
	}
	m.appendChatLocked(types.ChatEntry{
		Kind:     types.ChatKindJoin,
		ClientID: id,
		Username: username,
		Message:  username + " joined the session",
	})

	m.log.WithFields(logrus.Fields{
		"client_id": id,
		"username":  username,
		"clients":   len(m.clients),
	}).Info("Client added")
	return id
}

// RemoveClient deletes a client. It returns false for unknown ids, so
// a second call for the same id has no effect.
func (m *Manager) RemoveClient(clientID string) bool {
	m.mu.Lock()
	c, _, aborted := m.removeLocked(clientID)
	m.mu.Unlock()

	m.discardUploads(aborted)
	return c != nil
}

// GracefulClientRemoval removes a client and stages participant_left
// for the remaining clients. If the client was sharing its screen a
// screen_share_stop is staged as well.
func (m *Manager) GracefulClientRemoval(clientID, reason string) bool {
	m.mu.Lock()
	aborted, ok := m.gracefulRemoveLocked(clientID, reason)
	m.mu.Unlock()

	m.discardUploads(aborted)
	return ok
}

func (m *Manager) gracefulRemoveLocked(clientID, reason string) ([]*uploadState, bool) {
	c, wasSharing, aborted := m.removeLocked(clientID)
	if c == nil {
		return nil, false
	}

	if wasSharing {
		m.stageLocked(protocol.TypeScreenShareStop, &protocol.ScreenShareStatusPayload{
			ClientID: c.ClientID,
			Username: c.Username,
			Active:   false,
		}, types.DeliveryControl, c.ClientID)
	}
	m.stageLocked(protocol.TypeParticipantLeft, &protocol.ParticipantLeftPayload{
		ClientID: c.ClientID,
		Username: c.Username,
		Reason:   reason,
	}, types.DeliveryPresence, c.ClientID)

	m.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"username":  c.Username,
		"reason":    reason,
	}).Info("Client removed")
	return aborted, true
}

// removeLocked deletes the client, releases any lock it held and
// detaches its uploads. The detached uploads must be discarded by the
// caller after m.mu is released.
func (m *Manager) removeLocked(clientID string) (*ClientConnection, bool, []*uploadState) {
	c, ok := m.clients[clientID]
	if !ok {
		return nil, false, nil
	}

	wasSharing := m.activeScreenSharer == clientID
	if m.activePresenter == clientID || wasSharing {
		m.clearPresenterLocked()
	}

	var aborted []*uploadState
	for id, st := range m.uploads {
		if st.meta.UploaderID == clientID {
			aborted = append(aborted, st)
			delete(m.uploads, id)
		}
	}
	for id, meta := range m.staged {
		if meta.UploaderID == clientID {
			delete(m.staged, id)
		}
	}

	m.appendChatLocked(types.ChatEntry{
		Kind:     types.ChatKindLeave,
		ClientID: clientID,
		Username: c.Username,
		Message:  c.Username + " left the session",
	})
	delete(m.clients, clientID)
	return c, wasSharing, aborted
}

// UpdateClientHeartbeat marks the client as alive now.
func (m *Manager) UpdateClientHeartbeat(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return false
	}
	c.LastHeartbeat = m.now()
	return true
}

// GetInactiveClients lists clients whose last heartbeat is older than
// timeout, sorted by id.
func (m *Manager) GetInactiveClients(timeout time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inactiveLocked(timeout)
}

func (m *Manager) inactiveLocked(timeout time.Duration) []string {
	now := m.now()
	var ids []string
	for id, c := range m.clients {
		if now.Sub(c.LastHeartbeat) > timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CleanupInactiveClients removes every inactive client. Each one is
// sent a client_leave notice (the connection closes after it) and the
// others are told it left.
func (m *Manager) CleanupInactiveClients(timeout time.Duration) []string {
	m.mu.Lock()
	var (
		removed []string
		aborted []*uploadState
	)
	for _, id := range m.inactiveLocked(timeout) {
		c := m.clients[id]
		if c.Conn != nil {
			m.stageDirectLocked(c, protocol.TypeClientLeave, &protocol.LeavePayload{
				Reason: ReasonHeartbeatTimeout,
			}, true)
		}
		a, ok := m.gracefulRemoveLocked(id, ReasonHeartbeatTimeout)
		if ok {
			removed = append(removed, id)
			aborted = append(aborted, a...)
		}
	}
	m.mu.Unlock()

	m.discardUploads(aborted)
	if len(removed) > 0 {
		m.log.WithFields(logrus.Fields{
			"removed": len(removed),
			"timeout": timeout,
		}).Warn("Removed inactive clients")
	}
	return removed
}

// GetClient returns a snapshot of one client.
func (m *Manager) GetClient(clientID string) (types.ClientInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return types.ClientInfo{}, false
	}
	return c.info(), true
}

// GetParticipantList returns all clients ordered by connection time.
func (m *Manager) GetParticipantList() []types.ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participantsLocked()
}

func (m *Manager) participantsLocked() []types.ClientInfo {
	list := make([]types.ClientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		list = append(list, c.info())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectionTime.Equal(list[j].ConnectionTime) {
			return list[i].ClientID < list[j].ClientID
		}
		return list[i].ConnectionTime.Before(list[j].ConnectionTime)
	})
	return list
}

// ClientCount returns the number of joined clients.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// UpdateMediaStatus changes the client's reported media flags. A nil
// flag is left unchanged.
func (m *Manager) UpdateMediaStatus(clientID string, video, audio *bool) (types.ClientInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return types.ClientInfo{}, false
	}
	if video != nil {
		c.VideoEnabled = *video
	}
	if audio != nil {
		c.AudioEnabled = *audio
	}
	return c.info(), true
}

// UpdateUDPAddress records where the client receives media.
func (m *Manager) UpdateUDPAddress(clientID string, addr *net.UDPAddr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok || addr == nil {
		return false
	}
	c.UDPAddr = addr
	return true
}

// PeerIP returns the IP the client's control connection comes from.
func (m *Manager) PeerIP(clientID string) (net.IP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok || c.RemoteIP == nil {
		return nil, false
	}
	return c.RemoteIP, true
}

// UDPTargets lists clients with a registered media address.
func (m *Manager) UDPTargets() []types.UDPTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]types.UDPTarget, 0, len(m.clients))
	for id, c := range m.clients {
		if c.UDPAddr != nil {
			targets = append(targets, types.UDPTarget{ClientID: id, Addr: c.UDPAddr})
		}
	}
	return targets
}

// Connections lists the control connections of all clients except
// excludeID.
func (m *Manager) Connections(excludeID string) []Target {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]Target, 0, len(m.clients))
	for id, c := range m.clients {
		if id == excludeID || c.Conn == nil {
			continue
		}
		targets = append(targets, Target{ClientID: id, Conn: c.Conn})
	}
	return targets
}

// Connection returns the control connection of one client.
func (m *Manager) Connection(clientID string) (interfaces.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok || c.Conn == nil {
		return nil, false
	}
	return c.Conn, true
}

// Snapshot returns the externally visible session state.
func (m *Manager) Snapshot() types.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return types.SessionSnapshot{
		SessionID:          m.sessionID,
		StartTime:          m.startTime,
		Participants:       m.participantsLocked(),
		ActivePresenter:    m.activePresenter,
		ActiveScreenSharer: m.activeScreenSharer,
		SharedFiles:        m.sharedFilesLocked(),
		ChatMessages:       len(m.chatHistory),
		UploadsInProgress:  len(m.uploads),
	}
}

// GetPendingBroadcasts drains the staged outbound queue.
func (m *Manager) GetPendingBroadcasts() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.pending
	m.pending = nil
	return out
}

func (m *Manager) stageLocked(msgType string, payload any, kind, excludeID string) {
	msg, err := protocol.NewMessage(msgType, protocol.ServerID, payload)
	if err != nil {
		m.log.WithError(err).WithField("msg_type", msgType).Error("Failed to stage broadcast")
		return
	}
	m.pending = append(m.pending, Outbound{Message: msg, Kind: kind, ExcludeID: excludeID})
}

func (m *Manager) stageDirectLocked(c *ClientConnection, msgType string, payload any, closeAfter bool) {
	msg, err := protocol.NewMessage(msgType, protocol.ServerID, payload)
	if err != nil {
		m.log.WithError(err).WithField("msg_type", msgType).Error("Failed to stage message")
		return
	}
	m.pending = append(m.pending, Outbound{
		Message:     msg,
		Kind:        types.DeliveryControl,
		Recipient:   c.Conn,
		RecipientID: c.ClientID,
		CloseAfter:  closeAfter,
	})
}

// Close abandons every in-progress upload and removes its temp file.
func (m *Manager) Close() error {
	m.mu.Lock()
	var aborted []*uploadState
	for id, st := range m.uploads {
		aborted = append(aborted, st)
		delete(m.uploads, id)
	}
	m.staged = make(map[string]types.FileMetadata)
	m.mu.Unlock()

	m.discardUploads(aborted)
	return nil
}

func (m *Manager) partialDir() string {
	return filepath.Join(m.opts.UploadDir, ".partial")
}
