//go:build !windows

package socket

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Listen opens a listener for the endpoint. For unix sockets a stale
// socket file left by a dead process is removed after a probe dial
// fails; a live socket is reported as already in use.
func Listen(endpoint string) (net.Listener, error) {
	ep, err := Parse(endpoint)
	if err != nil {
		return nil, err
	}

	switch ep.Scheme {
	case SchemeUnix:
		if err := clearStaleSocket(ep.Address); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create socket directory: %w", err)
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", endpoint, err)
		}
		// Restrict the socket to the owning user.
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
		}
		return listener, nil
	case SchemeTCP:
		return net.Listen("tcp", ep.Address)
	default:
		return nil, fmt.Errorf("scheme %q is not supported on this platform", ep.Scheme)
	}
}

// clearStaleSocket removes a socket file whose owner is gone. A socket
// that still accepts connections is left alone and surfaces as an
// address-in-use error from the caller's Listen.
func clearStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("endpoint unix://%s is already in use", path)
	}
	return os.Remove(path)
}

// Dial connects to the endpoint.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	ep, err := Parse(endpoint)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	switch ep.Scheme {
	case SchemeUnix:
		return d.DialContext(ctx, "unix", ep.Address)
	case SchemeTCP:
		return d.DialContext(ctx, "tcp", ep.Address)
	default:
		return nil, fmt.Errorf("scheme %q is not supported on this platform", ep.Scheme)
	}
}
