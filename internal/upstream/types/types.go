// Package types holds the connection-state model shared by the upstream
// client and the cataloger.
package types

import (
	"encoding/json"
	"sync"
	"time"
)

// ConnectionState represents the state of an upstream connection.
type ConnectionState int

const (
	// StateDisconnected indicates the upstream is not connected.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a dial or handshake is in progress.
	StateConnecting
	// StateConnected indicates the upstream is serving requests.
	StateConnected
	// StateError indicates the last dial or call failed.
	StateError
)

// String returns the wire representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// TransportKind names the transport variant of an upstream.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// CatalogedTool is the normalized record for one tool from one upstream.
// Identity is the pair (UpstreamKey, ToolName). ToolName is the coerced
// canonical form; OriginalName holds the name the upstream advertised
// when the two differ, and calls are forwarded under that name.
type CatalogedTool struct {
	UpstreamKey  string          `json:"upstream_key"`
	ToolName     string          `json:"tool_name"`
	OriginalName string          `json:"original_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
}

// ConnectionInfo is a point-in-time view of one upstream connection.
type ConnectionInfo struct {
	State            ConnectionState `json:"state"`
	LastError        string          `json:"last_error,omitempty"`
	ServerName       string          `json:"server_name,omitempty"`
	ServerVersion    string          `json:"server_version,omitempty"`
	ToolCount        int             `json:"tool_count"`
	Transport        TransportKind   `json:"transport"`
	AuthPending      bool            `json:"auth_pending"`
	AuthStateVersion uint64          `json:"auth_state_version,omitempty"`
	ConnectedAt      time.Time       `json:"connected_at,omitempty"`
}

// StateManager tracks state transitions for one upstream connection.
type StateManager struct {
	mu               sync.RWMutex
	state            ConnectionState
	lastError        error
	serverName       string
	serverVersion    string
	toolCount        int
	transport        TransportKind
	authPending      bool
	authStateVersion uint64
	connectedAt      time.Time

	onStateChange func(oldState, newState ConnectionState)
}

// NewStateManager creates a state manager in the disconnected state.
func NewStateManager(transport TransportKind) *StateManager {
	return &StateManager{
		state:     StateDisconnected,
		transport: transport,
	}
}

// SetStateChangeCallback registers a callback invoked on every transition.
func (sm *StateManager) SetStateChangeCallback(callback func(oldState, newState ConnectionState)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStateChange = callback
}

// State returns the current connection state.
func (sm *StateManager) State() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Info returns a snapshot of the connection.
func (sm *StateManager) Info() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	info := ConnectionInfo{
		State:            sm.state,
		ServerName:       sm.serverName,
		ServerVersion:    sm.serverVersion,
		ToolCount:        sm.toolCount,
		Transport:        sm.transport,
		AuthPending:      sm.authPending,
		AuthStateVersion: sm.authStateVersion,
		ConnectedAt:      sm.connectedAt,
	}
	if sm.lastError != nil {
		info.LastError = sm.lastError.Error()
	}
	return info
}

// Transition moves to a new state, clearing error fields when leaving the
// error state.
func (sm *StateManager) Transition(newState ConnectionState) {
	sm.mu.Lock()
	oldState := sm.state
	sm.state = newState
	if newState == StateConnected {
		sm.connectedAt = time.Now()
		sm.lastError = nil
		sm.authPending = false
	}
	if newState == StateConnecting {
		sm.lastError = nil
	}
	callback := sm.onStateChange
	sm.mu.Unlock()

	if callback != nil && oldState != newState {
		callback(oldState, newState)
	}
}

// TransitionError moves to the error state, recording the cause.
func (sm *StateManager) TransitionError(err error) {
	sm.mu.Lock()
	oldState := sm.state
	sm.state = StateError
	sm.lastError = err
	callback := sm.onStateChange
	sm.mu.Unlock()

	if callback != nil && oldState != StateError {
		callback(oldState, StateError)
	}
}

// SetAuthPending marks the connection as waiting on OAuth, remembering
// the token-store version observed at the time.
func (sm *StateManager) SetAuthPending(pending bool, authStateVersion uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.authPending = pending
	sm.authStateVersion = authStateVersion
}

// AuthPending reports the auth-pending flag and its remembered version.
func (sm *StateManager) AuthPending() (bool, uint64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.authPending, sm.authStateVersion
}

// SetServerInfo records the handshake identity of the upstream.
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serverName = name
	sm.serverVersion = version
}

// SetToolCount records the size of the last synced tool list.
func (sm *StateManager) SetToolCount(count int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolCount = count
}
