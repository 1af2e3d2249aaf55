package daemon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// notificationBuffer bounds the queue of unsolicited notifications
// flowing from upstreams to one client.
const notificationBuffer = 32

// ipcSession is one multiplexed client on the daemon socket. It
// implements mcp-go's ClientSession so HandleMessage sees the same
// per-session identity the stdio path does.
type ipcSession struct {
	id          string
	clientID    string
	connectedAt time.Time

	lastSeen    atomic.Int64
	initialized atomic.Bool

	notifications chan mcp.JSONRPCNotification
	out           chan *Frame
	in            chan *Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newIPCSession(id, clientID string, queueSize int) *ipcSession {
	s := &ipcSession{
		id:            id,
		clientID:      clientID,
		connectedAt:   time.Now(),
		notifications: make(chan mcp.JSONRPCNotification, notificationBuffer),
		out:           make(chan *Frame, queueSize),
		in:            make(chan *Frame, queueSize),
		closed:        make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *ipcSession) SessionID() string { return s.id }

func (s *ipcSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

func (s *ipcSession) Initialize() { s.initialized.Store(true) }

func (s *ipcSession) Initialized() bool { return s.initialized.Load() }

func (s *ipcSession) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *ipcSession) sinceLastSeen() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// send queues a frame for the writer; drops when the session is gone.
func (s *ipcSession) send(frame *Frame) bool {
	select {
	case s.out <- frame:
		return true
	case <-s.closed:
		return false
	}
}

func (s *ipcSession) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// ClientInfo is the monitor-facing view of one session. IsOwner marks
// the longest-lived session, the one whose spawn brought the daemon up.
type ClientInfo struct {
	SessionID   string    `json:"sessionId"`
	ClientID    string    `json:"clientId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	IsOwner     bool      `json:"isOwner"`
}

func (s *ipcSession) info() ClientInfo {
	return ClientInfo{
		SessionID:   s.id,
		ClientID:    s.clientID,
		ConnectedAt: s.connectedAt,
		LastSeen:    time.Unix(0, s.lastSeen.Load()),
	}
}
