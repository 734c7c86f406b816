// Package realtime serves conversations over WebSocket.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Closer is the part of a WebSocket connection the manager needs.
type Closer interface {
	Close(code websocket.StatusCode, reason string) error
}

// SessionManager tracks the live socket of each conversation.
// A conversation has at most one socket; a new one replaces the old.
type SessionManager struct {
	mu     sync.RWMutex
	active map[int64]Closer
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[int64]Closer),
	}
}

// current returns the live connection of a conversation, or nil.
func (m *SessionManager) current(conversationID int64) Closer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[conversationID]
}

// Register sets the live connection of a conversation, closing any previous one.
func (m *SessionManager) Register(conversationID int64, conn Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[conversationID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[conversationID] = conn
	slog.Info("Conversation socket registered", "conversation_id", conversationID)
}

// Unregister removes conn if it is still the conversation's live connection.
func (m *SessionManager) Unregister(conversationID int64, conn Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[conversationID]; exists && current == conn {
		delete(m.active, conversationID)
		slog.Info("Conversation socket unregistered", "conversation_id", conversationID)
	}
}

// CloseAll closes every live connection, used on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		slog.Info("Conversation socket closed", "conversation_id", id)
	}
	clear(m.active)
}

// Count returns the number of live connections. It satisfies api.SocketCounter.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
