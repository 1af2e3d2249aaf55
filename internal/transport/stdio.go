// Package transport builds mcp-go clients for the two upstream transport
// variants.
package transport

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

// StdioConfig holds everything needed to spawn a subprocess upstream.
// Env values must already be expanded; they are passed verbatim.
type StdioConfig struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
}

// StdioClient pairs the client with its transport so callers can reach
// the child's stderr and process after Start.
type StdioClient struct {
	Client    *client.Client
	Transport *transport.Stdio

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Cmd returns the spawned child process; nil before Start.
func (s *StdioClient) Cmd() *exec.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd
}

// Stderr exposes the child's stderr stream; nil before Start.
func (s *StdioClient) Stderr() io.Reader {
	return s.Transport.Stderr()
}

// CreateStdioClient builds a stdio-transport MCP client. The child runs
// in its own process group so the whole tree can be torn down on close.
func CreateStdioClient(cfg *StdioConfig) *StdioClient {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	result := &StdioClient{}
	commandFunc := func(ctx context.Context, command string, envSlice []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = envSlice
		if cfg.WorkingDir != "" {
			cmd.Dir = cfg.WorkingDir
		}
		configureProcAttr(cmd)
		result.mu.Lock()
		result.cmd = cmd
		result.mu.Unlock()
		return cmd, nil
	}

	stdioTransport := transport.NewStdioWithOptions(cfg.Command, env, cfg.Args,
		transport.WithCommandFunc(commandFunc))
	result.Transport = stdioTransport
	result.Client = client.NewClient(stdioTransport)
	return result
}
