package daemon

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"mcpsquared-go/internal/server"
	"mcpsquared-go/internal/socket"
)

const (
	// DefaultHeartbeatInterval is the daemon-to-client ping cadence;
	// sessions silent for twice this long are reaped.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultMaxInFlightExecutes bounds concurrent execute dispatches
	// across all sessions so one client cannot exhaust the fleet.
	DefaultMaxInFlightExecutes = 8

	// sessionQueueSize bounds the per-session frame channels.
	sessionQueueSize = 64

	handshakeTimeout = 10 * time.Second
)

// Options tunes a daemon instance.
type Options struct {
	Endpoint  string
	Secret    string
	Heartbeat time.Duration
	// MaxInFlightExecutes caps concurrent execute calls; zero means the
	// default.
	MaxInFlightExecutes int64
}

// Daemon accepts multiplexed broker sessions on a local socket and
// routes their MCP traffic through one shared session server.
type Daemon struct {
	opts    Options
	session *server.SessionServer
	logger  *zap.Logger

	admission *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*ipcSession
	listener net.Listener
	closing  bool

	wg sync.WaitGroup
}

// New builds a daemon around a shared session server.
func New(opts Options, sessionServer *server.SessionServer, logger *zap.Logger) *Daemon {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeatInterval
	}
	if opts.MaxInFlightExecutes <= 0 {
		opts.MaxInFlightExecutes = DefaultMaxInFlightExecutes
	}
	return &Daemon{
		opts:      opts,
		session:   sessionServer,
		logger:    logger.Named("daemon"),
		admission: semaphore.NewWeighted(opts.MaxInFlightExecutes),
		sessions:  make(map[string]*ipcSession),
	}
}

// Endpoint returns the configured listen endpoint.
func (d *Daemon) Endpoint() string { return d.opts.Endpoint }

// Clients lists the live sessions for the monitor surface, oldest
// first. The oldest session is flagged as the owner.
func (d *Daemon) Clients() []ClientInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ClientInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	if len(out) > 0 {
		out[0].IsOwner = true
	}
	return out
}

// Serve listens and accepts sessions until the context is canceled.
func (d *Daemon) Serve(ctx context.Context) error {
	listener, err := socket.Listen(d.opts.Endpoint)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()
	d.logger.Info("Daemon listening", zap.String("endpoint", d.opts.Endpoint))

	go func() {
		<-ctx.Done()
		d.Shutdown("daemon stopping")
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			d.mu.RLock()
			closing := d.closing
			d.mu.RUnlock()
			if closing || ctx.Err() != nil {
				d.wg.Wait()
				return nil
			}
			return err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// Shutdown notifies every session and closes the listener. Safe to call
// more than once.
func (d *Daemon) Shutdown(reason string) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.closing = true
	listener := d.listener
	sessions := make([]*ipcSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.send(&Frame{Type: FrameShutdown, Reason: reason})
		s.close()
	}
	if listener != nil {
		listener.Close()
	}
}

// handleConn runs the handshake, then the session pumps.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := NewFrameReader(conn)
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, err := reader.Read()
	if err != nil {
		d.logger.Debug("Handshake read failed", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	if hello.Type != FrameHello || hello.Protocol != ProtocolVersion {
		WriteFrame(conn, &Frame{Type: FrameError, Reason: "unsupported protocol"})
		return
	}
	if d.opts.Secret != "" && hello.Token != d.opts.Secret {
		WriteFrame(conn, &Frame{Type: FrameError, Reason: "unauthorized"})
		d.logger.Warn("Rejected session with bad secret", zap.String("client_id", hello.ClientID))
		return
	}

	sessionID := hello.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	sess := newIPCSession(sessionID, hello.ClientID, sessionQueueSize)

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		WriteFrame(conn, &Frame{Type: FrameShutdown, Reason: "daemon stopping"})
		return
	}
	d.sessions[sessionID] = sess
	d.mu.Unlock()
	defer d.dropSession(sess)

	mcpServer := d.session.MCPServer()
	if err := mcpServer.RegisterSession(ctx, sess); err != nil {
		WriteFrame(conn, &Frame{Type: FrameError, Reason: "session registration failed"})
		return
	}
	defer mcpServer.UnregisterSession(ctx, sessionID)
	sessCtx := mcpServer.WithContext(ctx, sess)

	welcome := &Frame{
		Type:       FrameWelcome,
		SessionID:  sessionID,
		ServerInfo: &ServerInfo{Name: "mcp-squared", Version: "1"},
	}
	if err := WriteFrame(conn, welcome); err != nil {
		return
	}
	d.logger.Info("Session opened",
		zap.String("session_id", sessionID), zap.String("client_id", hello.ClientID))

	var pumps sync.WaitGroup
	pumps.Add(3)
	go func() { defer pumps.Done(); d.writeLoop(conn, sess) }()
	go func() { defer pumps.Done(); d.dispatchLoop(sessCtx, sess) }()
	go func() { defer pumps.Done(); d.heartbeatLoop(sess) }()

	d.readLoop(reader, sess)
	sess.close()
	pumps.Wait()
	d.logger.Info("Session closed", zap.String("session_id", sessionID))
}

func (d *Daemon) dropSession(sess *ipcSession) {
	sess.close()
	d.mu.Lock()
	delete(d.sessions, sess.id)
	d.mu.Unlock()
}

// readLoop is the single reader: it validates frames and feeds the
// dispatcher. Protocol violations end the session with a typed reason.
func (d *Daemon) readLoop(reader *FrameReader, sess *ipcSession) {
	for {
		frame, err := reader.Read()
		if err != nil {
			if ipcErr, ok := err.(*IpcError); ok && ipcErr.Code == CodeIpcFrameTooLarge {
				sess.send(&Frame{Type: FrameError, Reason: "frame too large"})
			}
			return
		}
		sess.touch()

		switch frame.Type {
		case FramePong:
			// touch above is the whole point
		case FrameMCP:
			select {
			case sess.in <- frame:
			case <-sess.closed:
				return
			}
		case FrameHello:
			sess.send(&Frame{Type: FrameError, Reason: "duplicate hello"})
			return
		default:
			sess.send(&Frame{Type: FrameError, Reason: "unknown frame type " + frame.Type})
			return
		}
	}
}

// dispatchLoop is the single dispatcher per session: requests run in
// arrival order, so responses are written in that same order.
func (d *Daemon) dispatchLoop(ctx context.Context, sess *ipcSession) {
	for {
		select {
		case <-sess.closed:
			return
		case frame := <-sess.in:
			d.dispatch(ctx, sess, frame)
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, sess *ipcSession, frame *Frame) {
	if isExecuteCall(frame.Payload) {
		if err := d.admission.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.admission.Release(1)
	}

	response := d.session.HandleMessage(ctx, frame.Payload)
	if response == nil {
		// Notifications produce no reply.
		return
	}
	payload, err := json.Marshal(response)
	if err != nil {
		d.logger.Error("Response marshal failed", zap.Error(err))
		return
	}
	sess.send(&Frame{Type: FrameMCP, SessionID: sess.id, Payload: payload})
}

// writeLoop is the single writer: it serializes responses, pings, and
// upstream notifications onto the connection. Closing the connection on
// exit is what unblocks the reader when the session is reaped.
func (d *Daemon) writeLoop(conn net.Conn, sess *ipcSession) {
	defer conn.Close()
	for {
		select {
		case <-sess.closed:
			// Drain any final frames (shutdown notice) already queued.
			for {
				select {
				case frame := <-sess.out:
					if WriteFrame(conn, frame) != nil {
						return
					}
				default:
					return
				}
			}
		case frame := <-sess.out:
			if err := WriteFrame(conn, frame); err != nil {
				sess.close()
				return
			}
		case notification := <-sess.notifications:
			payload, err := json.Marshal(notification)
			if err != nil {
				continue
			}
			frame := &Frame{Type: FrameMCP, SessionID: sess.id, Payload: payload}
			if err := WriteFrame(conn, frame); err != nil {
				sess.close()
				return
			}
		}
	}
}

// heartbeatLoop pings on the configured cadence and reaps the session
// when the peer has been silent for two intervals.
func (d *Daemon) heartbeatLoop(sess *ipcSession) {
	ticker := time.NewTicker(d.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sess.closed:
			return
		case <-ticker.C:
			if sess.sinceLastSeen() > 2*d.opts.Heartbeat {
				d.logger.Warn("Reaping silent session", zap.String("session_id", sess.id))
				sess.close()
				return
			}
			sess.send(&Frame{Type: FramePing})
		}
	}
}

// isExecuteCall peeks at a JSON-RPC payload for a tools/call of the
// execute meta-tool without fully parsing it.
func isExecuteCall(payload []byte) bool {
	var probe struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Method == "tools/call" && probe.Params.Name == "execute"
}
