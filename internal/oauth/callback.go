package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DefaultCallbackTimeout bounds how long a flow waits for the browser
// redirect.
const DefaultCallbackTimeout = 5 * time.Minute

// CallbackResult carries the query parameters of one redirect.
type CallbackResult struct {
	Code  string
	State string
	Err   string
}

// CallbackServer is a short-lived loopback HTTP server that captures the
// authorization redirect. It tears itself down on the first result or on
// timeout.
type CallbackServer struct {
	Port        int
	RedirectURI string

	results  chan CallbackResult
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// StartCallbackServer binds 127.0.0.1 on the given port (0 picks an
// ephemeral port) and serves /callback.
func StartCallbackServer(port int, logger *zap.Logger) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback port %d: %w", port, err)
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port

	cs := &CallbackServer{
		Port:        boundPort,
		RedirectURI: fmt.Sprintf("http://127.0.0.1:%d/callback", boundPort),
		results:     make(chan CallbackResult, 1),
		listener:    listener,
		logger:      logger,
	}

	router := chi.NewRouter()
	router.Get("/callback", cs.handleCallback)

	cs.server = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Warn("Callback server stopped", zap.Error(err))
		}
	}()

	logger.Debug("OAuth callback server listening",
		zap.String("redirect_uri", cs.RedirectURI))
	return cs, nil
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result := CallbackResult{
		Code:  query.Get("code"),
		State: query.Get("state"),
		Err:   query.Get("error"),
	}

	select {
	case cs.results <- result:
	default:
		// A result was already delivered; this redirect is stale.
	}

	w.Header().Set("Content-Type", "text/html")
	if result.Err != "" {
		fmt.Fprintf(w, "<html><body><h1>Authorization Failed</h1><p>%s</p></body></html>", result.Err)
		return
	}
	fmt.Fprint(w, `<html><body><h1>Authorization Successful</h1><p>You can close this window and return to the application.</p></body></html>`)
}

// Wait blocks for the first redirect, the timeout, or context
// cancellation, whichever comes first.
func (cs *CallbackServer) Wait(ctx context.Context, timeout time.Duration) (CallbackResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-cs.results:
		if result.Err != "" {
			return result, fmt.Errorf("authorization failed: %s", result.Err)
		}
		return result, nil
	case <-timer.C:
		return CallbackResult{}, fmt.Errorf("timed out waiting for OAuth callback after %s", timeout)
	case <-ctx.Done():
		return CallbackResult{}, ctx.Err()
	}
}

// Stop shuts the server down.
func (cs *CallbackServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.server.Shutdown(ctx)
}
