package session

import (
	"github.com/google/uuid"

	"lancollab/pkg/types"
)

// AddChatMessage validates text and appends it to the history under the
// sender's username. The returned entry carries the server-side order.
func (m *Manager) AddChatMessage(clientID, text string) (types.ChatEntry, error) {
	if err := types.ValidateChatText(text, types.MaxChatLength); err != nil {
		return types.ChatEntry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return types.ChatEntry{}, ErrClientNotFound
	}

	entry := m.appendChatLocked(types.ChatEntry{
		Kind:     types.ChatKindMessage,
		ClientID: clientID,
		Username: c.Username,
		Message:  text,
	})
	return entry, nil
}

// GetChatHistory returns up to limit of the most recent entries, oldest
// first. limit <= 0 returns the whole history.
func (m *Manager) GetChatHistory(limit int) []types.ChatEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(m.chatHistory) {
		start = len(m.chatHistory) - limit
	}
	out := make([]types.ChatEntry, len(m.chatHistory)-start)
	copy(out, m.chatHistory[start:])
	return out
}

func (m *Manager) appendChatLocked(entry types.ChatEntry) types.ChatEntry {
	entry.ID = uuid.NewString()
	entry.Timestamp = m.now()
	m.chatHistory = append(m.chatHistory, entry)

	if over := len(m.chatHistory) - m.opts.MaxChatHistory; over > 0 {
		m.chatHistory = append(m.chatHistory[:0:0], m.chatHistory[over:]...)
	}
	return entry
}
