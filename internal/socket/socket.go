// Package socket parses endpoint strings and opens the matching
// listeners and connections. Three schemes are supported: unix://PATH,
// npipe://PIPE (Windows named pipes), and tcp://host:port.
package socket

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Endpoint scheme names.
const (
	SchemeUnix = "unix"
	SchemePipe = "npipe"
	SchemeTCP  = "tcp"
)

// Endpoint is a parsed listener/dialer address.
type Endpoint struct {
	Scheme  string
	Address string
}

// String renders the endpoint back to its wire form.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}

// Parse splits an endpoint string into scheme and address.
func Parse(endpoint string) (Endpoint, error) {
	scheme, address, found := strings.Cut(endpoint, "://")
	if !found {
		return Endpoint{}, fmt.Errorf("endpoint %q has no scheme; want unix://, npipe:// or tcp://", endpoint)
	}
	if address == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has an empty address", endpoint)
	}

	switch scheme {
	case SchemeUnix:
		return Endpoint{Scheme: SchemeUnix, Address: address}, nil
	case SchemePipe:
		return Endpoint{Scheme: SchemePipe, Address: normalizePipePath(address)}, nil
	case SchemeTCP:
		if !strings.Contains(address, ":") {
			return Endpoint{}, fmt.Errorf("tcp endpoint %q needs host:port", endpoint)
		}
		return Endpoint{Scheme: SchemeTCP, Address: address}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", scheme)
	}
}

// normalizePipePath accepts the tolerated pipe spellings and returns
// the canonical //./pipe/name form winio expects.
func normalizePipePath(address string) string {
	path := strings.TrimLeft(address, "/")
	switch {
	case strings.HasPrefix(path, "./pipe/"):
		return "//" + path
	case strings.HasPrefix(address, `\\.\`):
		return address
	default:
		return "//./pipe/" + path
	}
}

// DefaultDaemonEndpoint is the per-user daemon endpoint for a data
// directory: a socket file inside it on unix, a named pipe derived from
// the username on Windows.
func DefaultDaemonEndpoint(dataDir string) string {
	return defaultEndpoint(dataDir, "daemon")
}

// DefaultMonitorEndpoint is the monitor service's endpoint.
func DefaultMonitorEndpoint(dataDir string) string {
	return defaultEndpoint(dataDir, "monitor")
}

func defaultEndpoint(dataDir, role string) string {
	if runtime.GOOS == "windows" {
		username := os.Getenv("USERNAME")
		if username == "" {
			username = "default"
		}
		return fmt.Sprintf("npipe:////./pipe/mcp-squared-%s-%s", role, username)
	}
	return "unix://" + filepath.Join(dataDir, role+".sock")
}
