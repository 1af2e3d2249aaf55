// Package proxy bridges one stdio MCP client to a shared daemon. It is
// a thin pump: stdin lines go to the daemon wrapped as mcp frames, the
// daemon's session frames come back to stdout unwrapped.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mcpsquared-go/internal/daemon"
	"mcpsquared-go/internal/instances"
	"mcpsquared-go/internal/socket"
)

// DefaultSpawnWait bounds how long the proxy waits for a freshly
// spawned daemon to register itself.
const DefaultSpawnWait = 15 * time.Second

// Options tunes one proxy run.
type Options struct {
	Endpoint  string
	Secret    string
	ClientID  string
	AutoSpawn bool
	SpawnWait time.Duration
	// SpawnArgs are the daemon subcommand arguments used when the proxy
	// has to start a daemon itself.
	SpawnArgs []string
}

// Proxy connects a stdio client to the daemon socket.
type Proxy struct {
	opts     Options
	registry *instances.Registry
	logger   *zap.Logger
}

// New builds a proxy. The registry is used to find a spawned daemon.
func New(opts Options, registry *instances.Registry, logger *zap.Logger) *Proxy {
	if opts.SpawnWait <= 0 {
		opts.SpawnWait = DefaultSpawnWait
	}
	if opts.ClientID == "" {
		opts.ClientID = "proxy-" + ulid.Make().String()
	}
	return &Proxy{opts: opts, registry: registry, logger: logger.Named("proxy")}
}

// Run connects, handshakes, and pumps until stdin closes or the daemon
// ends the session.
func (p *Proxy) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sessionID, reader, err := p.handshake(conn)
	if err != nil {
		return err
	}
	p.logger.Info("Connected to daemon",
		zap.String("endpoint", p.opts.Endpoint), zap.String("session_id", sessionID))

	errs := make(chan error, 2)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { errs <- err })
		conn.Close()
	}

	go func() { finish(p.pumpStdin(stdin, conn, sessionID)) }()
	go func() { finish(p.pumpDaemon(reader, conn, stdout)) }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

// connect dials the daemon, spawning one when allowed and needed.
func (p *Proxy) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	conn, err := socket.Dial(dialCtx, p.opts.Endpoint)
	cancel()
	if err == nil {
		return conn, nil
	}
	if !p.opts.AutoSpawn {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", p.opts.Endpoint, err)
	}

	p.logger.Info("Daemon absent, spawning", zap.String("endpoint", p.opts.Endpoint))
	if err := p.spawnDaemon(); err != nil {
		return nil, err
	}
	if _, err := p.registry.WaitForDaemon(ctx, p.opts.SpawnWait); err != nil {
		return nil, fmt.Errorf("spawned daemon never came up: %w", err)
	}

	dialCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return socket.Dial(dialCtx, p.opts.Endpoint)
}

// spawnDaemon launches a detached daemon running this same binary.
func (p *Proxy) spawnDaemon() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}
	args := append([]string{"daemon"}, p.opts.SpawnArgs...)
	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detachProcess(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}
	// The daemon outlives us; release the handle instead of waiting.
	return cmd.Process.Release()
}

func (p *Proxy) handshake(conn net.Conn) (string, *daemon.FrameReader, error) {
	// The proxy picks its own session id so monitor output can be
	// correlated with this process; the welcome echoes it back.
	hello := &daemon.Frame{
		Type:      daemon.FrameHello,
		Protocol:  daemon.ProtocolVersion,
		SessionID: uuid.NewString(),
		ClientID:  p.opts.ClientID,
		Token:     p.opts.Secret,
	}
	if err := daemon.WriteFrame(conn, hello); err != nil {
		return "", nil, err
	}

	reader := daemon.NewFrameReader(conn)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	reply, err := reader.Read()
	if err != nil {
		return "", nil, err
	}
	conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case daemon.FrameWelcome:
		return reply.SessionID, reader, nil
	case daemon.FrameError:
		return "", nil, fmt.Errorf("daemon refused session: %s", reply.Reason)
	default:
		return "", nil, fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
}

// pumpStdin wraps client lines into mcp frames. A closed stdin ends the
// proxy with a nil error.
func (p *Proxy) pumpStdin(stdin io.Reader, conn net.Conn, sessionID string) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), daemon.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		frame := &daemon.Frame{Type: daemon.FrameMCP, SessionID: sessionID, Payload: payload}
		if err := daemon.WriteFrame(conn, frame); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// pumpDaemon unwraps session frames onto stdout and answers pings.
func (p *Proxy) pumpDaemon(reader *daemon.FrameReader, conn net.Conn, stdout io.Writer) error {
	for {
		frame, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch frame.Type {
		case daemon.FrameMCP:
			if _, err := stdout.Write(append(frame.Payload, '\n')); err != nil {
				return err
			}
		case daemon.FramePing:
			if err := daemon.WriteFrame(conn, &daemon.Frame{Type: daemon.FramePong}); err != nil {
				return err
			}
		case daemon.FrameShutdown:
			p.logger.Info("Daemon shut down", zap.String("reason", frame.Reason))
			return nil
		case daemon.FrameError:
			return fmt.Errorf("daemon closed session: %s", frame.Reason)
		}
	}
}
