//go:build windows

package socket

import (
	"context"
	"fmt"
	"net"

	winio "github.com/Microsoft/go-winio"
)

// Listen opens a listener for the endpoint. Named pipes are owned by
// the pipe subsystem, so there is no stale-file cleanup on Windows.
func Listen(endpoint string) (net.Listener, error) {
	ep, err := Parse(endpoint)
	if err != nil {
		return nil, err
	}

	switch ep.Scheme {
	case SchemePipe:
		return winio.ListenPipe(ep.Address, nil)
	case SchemeTCP:
		return net.Listen("tcp", ep.Address)
	default:
		return nil, fmt.Errorf("scheme %q is not supported on this platform", ep.Scheme)
	}
}

// Dial connects to the endpoint.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	ep, err := Parse(endpoint)
	if err != nil {
		return nil, err
	}

	switch ep.Scheme {
	case SchemePipe:
		return winio.DialPipeContext(ctx, ep.Address)
	case SchemeTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ep.Address)
	default:
		return nil, fmt.Errorf("scheme %q is not supported on this platform", ep.Scheme)
	}
}
