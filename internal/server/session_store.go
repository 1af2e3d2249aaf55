package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionInfo describes one connected MCP client.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	ClientName    string    `json:"client_name"`
	ClientVersion string    `json:"client_version"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// SessionStore tracks connected sessions and, per session, the qualified
// names returned by the most recent find_tools call. That set drives
// co-occurrence recording when the session later executes a tool.
type SessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*SessionInfo
	recentFinds map[string][]string

	logger *zap.Logger
}

// NewSessionStore builds an empty session store.
func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions:    make(map[string]*SessionInfo),
		recentFinds: make(map[string][]string),
		logger:      logger,
	}
}

// SetSession registers or refreshes a session record.
func (s *SessionStore) SetSession(sessionID, clientName, clientVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.sessions[sessionID]; ok {
		existing.ClientName = clientName
		existing.ClientVersion = clientVersion
		existing.LastSeen = now
		return
	}
	s.sessions[sessionID] = &SessionInfo{
		SessionID:     sessionID,
		ClientName:    clientName,
		ClientVersion: clientVersion,
		ConnectedAt:   now,
		LastSeen:      now,
	}
}

// Touch updates a session's last-seen timestamp.
func (s *SessionStore) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.sessions[sessionID]; ok {
		info.LastSeen = time.Now()
	}
}

// RemoveSession drops a session and its recent-find buffer.
func (s *SessionStore) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.recentFinds, sessionID)
}

// Sessions lists the live sessions.
func (s *SessionStore) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, *info)
	}
	return out
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetRecentFinds replaces the session's last find_tools result set.
func (s *SessionStore) SetRecentFinds(sessionID string, qualifiedNames []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]string, len(qualifiedNames))
	copy(buf, qualifiedNames)
	s.recentFinds[sessionID] = buf
}

// RecentFinds returns the session's last find_tools result set.
func (s *SessionStore) RecentFinds(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentFinds[sessionID]
}
