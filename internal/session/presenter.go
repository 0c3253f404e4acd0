package session

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RequestPresenterRole grants the presenter role when nobody else holds
// it. Asking again while already presenter succeeds. On refusal the
// reason names the current presenter.
func (m *Manager) RequestPresenterRole(clientID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return false, ErrClientNotFound.Error()
	}

	if m.activePresenter != "" && m.activePresenter != clientID {
		holder := m.activePresenter
		if p, ok := m.clients[holder]; ok {
			holder = p.Username
		}
		return false, fmt.Sprintf("presenter role is held by %s", holder)
	}

	m.activePresenter = clientID
	c.IsPresenter = true

	m.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"username":  c.Username,
	}).Info("Presenter role granted")
	return true, ""
}

// StartScreenSharing makes the presenter the active screen sharer.
// After success ActiveScreenSharer() == clientID.
func (m *Manager) StartScreenSharing(clientID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return false, ErrClientNotFound.Error()
	}
	if m.activeScreenSharer != "" && m.activeScreenSharer != clientID {
		return false, fmt.Sprintf("screen is already shared by %s", m.usernameLocked(m.activeScreenSharer))
	}
	if m.activePresenter != clientID {
		if m.activePresenter != "" {
			return false, fmt.Sprintf("presenter role is held by %s", m.usernameLocked(m.activePresenter))
		}
		return false, "presenter role required to share the screen"
	}

	m.activeScreenSharer = clientID
	m.log.WithField("client_id", clientID).Info("Screen sharing started")
	return true, ""
}

// StopScreenSharing ends the share. The sharer also gives up the
// presenter role, so both lock fields end up empty.
func (m *Manager) StopScreenSharing(clientID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeScreenSharer == "" || m.activeScreenSharer != clientID {
		return false, "not the active screen sharer"
	}

	m.clearPresenterLocked()
	m.log.WithField("client_id", clientID).Info("Screen sharing stopped")
	return true, ""
}

// ActivePresenter returns the presenter id, or "" when nobody presents.
func (m *Manager) ActivePresenter() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePresenter
}

// ActiveScreenSharer returns the sharer id, or "" when nobody shares.
func (m *Manager) ActiveScreenSharer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeScreenSharer
}

func (m *Manager) clearPresenterLocked() {
	if c, ok := m.clients[m.activePresenter]; ok {
		c.IsPresenter = false
	}
	if c, ok := m.clients[m.activeScreenSharer]; ok {
		c.IsPresenter = false
	}
	m.activePresenter = ""
	m.activeScreenSharer = ""
}

func (m *Manager) usernameLocked(clientID string) string {
	if c, ok := m.clients[clientID]; ok {
		return c.Username
	}
	return clientID
}
