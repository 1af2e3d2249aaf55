package socket

import (
	"context"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		in      string
		scheme  string
		address string
	}{
		{"unix:///tmp/daemon.sock", "unix", "/tmp/daemon.sock"},
		{"tcp://127.0.0.1:9095", "tcp", "127.0.0.1:9095"},
		{"npipe:////./pipe/mcp-squared", "npipe", "//./pipe/mcp-squared"},
		{"npipe://my-pipe", "npipe", "//./pipe/my-pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ep, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, ep.Scheme)
			assert.Equal(t, tt.address, ep.Address)
		})
	}
}

func TestParseRejectsMalformedEndpoints(t *testing.T) {
	for _, in := range []string{
		"/tmp/daemon.sock",
		"unix://",
		"tcp://nohostport",
		"ftp://example.com:21",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestEndpointRoundTrip(t *testing.T) {
	ep, err := Parse("tcp://localhost:9095")
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost:9095", ep.String())
}

func TestDefaultEndpointsAreDistinct(t *testing.T) {
	daemon := DefaultDaemonEndpoint("/data")
	monitor := DefaultMonitorEndpoint("/data")
	assert.NotEqual(t, daemon, monitor)
	_, err := Parse(daemon)
	assert.NoError(t, err)
	_, err = Parse(monitor)
	assert.NoError(t, err)
}

func TestUnixListenDialRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets only")
	}
	endpoint := "unix://" + filepath.Join(t.TempDir(), "test.sock")

	listener, err := Listen(endpoint)
	require.NoError(t, err)
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err == nil {
			conn.Write(buf)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, endpoint)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
	<-done
}

func TestListenRemovesStaleSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets only")
	}
	path := filepath.Join(t.TempDir(), "stale.sock")
	endpoint := "unix://" + path

	// A dead listener leaves its socket file behind.
	first, err := Listen(endpoint)
	require.NoError(t, err)
	rawListener, ok := first.(*net.UnixListener)
	require.True(t, ok)
	rawListener.SetUnlinkOnClose(false)
	require.NoError(t, first.Close())

	second, err := Listen(endpoint)
	require.NoError(t, err)
	second.Close()
}

func TestListenRejectsLiveSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets only")
	}
	endpoint := "unix://" + filepath.Join(t.TempDir(), "live.sock")

	listener, err := Listen(endpoint)
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, err = Listen(endpoint)
	assert.Error(t, err)
}
