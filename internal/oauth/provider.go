package oauth

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
)

// DefaultScopes are requested when the auth block names none.
var DefaultScopes = []string{"mcp.read", "mcp.write"}

// NeedsManualAuthError is raised instead of opening a browser when the
// provider runs non-interactively (daemon/server mode).
type NeedsManualAuthError struct {
	UpstreamKey      string
	AuthorizationURL string
}

func (e *NeedsManualAuthError) Error() string {
	return fmt.Sprintf("OAuthRequired: OAuth authorization required; run auth subcommand for %s", e.UpstreamKey)
}

// Provider drives dynamic client registration and the PKCE authorization
// flow for one process. Interactive providers open the OS browser;
// non-interactive ones surface NeedsManualAuthError.
type Provider struct {
	store       *Store
	interactive bool
	openBrowser func(url string) error
	logger      *zap.Logger
}

// NewProvider wires a provider over the shared token store.
func NewProvider(store *Store, interactive bool, logger *zap.Logger) *Provider {
	return &Provider{
		store:       store,
		interactive: interactive,
		openBrowser: openBrowser,
		logger:      logger,
	}
}

// Store returns the underlying token store.
func (p *Provider) Store() *Store { return p.store }

// Interactive reports whether this provider may open a browser.
func (p *Provider) Interactive() bool { return p.interactive }

// ClientConfig builds the mcp-go OAuth configuration for one upstream.
// The redirect URI is computed from the configured callback port.
func (p *Provider) ClientConfig(upstreamKey string, auth *config.AuthConfig) client.OAuthConfig {
	scopes := DefaultScopes
	port := 0
	if auth != nil {
		if len(auth.Scopes) > 0 {
			scopes = auth.Scopes
		}
		port = auth.CallbackPort
	}
	clientID, clientSecret := p.store.ClientInfo(upstreamKey)

	return client.OAuthConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		Scopes:       scopes,
		TokenStore:   p.store.ForUpstream(upstreamKey),
		PKCEEnabled:  true,
	}
}

// Authorize completes the authorization flow for an upstream after a
// connect failed with an authorization-required error. Returns nil once
// tokens are stored; the caller retries the connect.
func (p *Provider) Authorize(ctx context.Context, upstreamKey string, auth *config.AuthConfig, authErr error) error {
	handler := client.GetOAuthHandler(authErr)
	if handler == nil {
		return fmt.Errorf("no OAuth handler attached to error: %w", authErr)
	}

	port := 0
	clientName := "mcp-squared"
	if auth != nil {
		port = auth.CallbackPort
		if auth.ClientName != "" {
			clientName = auth.ClientName
		}
	}

	callback, err := StartCallbackServer(port, p.logger.Named("callback"))
	if err != nil {
		return err
	}
	defer callback.Stop()

	if err := handler.RegisterClient(ctx, clientName); err != nil {
		return fmt.Errorf("dynamic client registration failed for %s: %w", upstreamKey, err)
	}

	verifier, err := client.GenerateCodeVerifier()
	if err != nil {
		return fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}
	challenge := client.GenerateCodeChallenge(verifier)
	state, err := client.GenerateState()
	if err != nil {
		return fmt.Errorf("failed to generate state: %w", err)
	}
	if err := p.store.SaveCodeVerifier(upstreamKey, verifier); err != nil {
		return err
	}

	authURL, err := handler.GetAuthorizationURL(ctx, state, challenge)
	if err != nil {
		return fmt.Errorf("failed to build authorization URL for %s: %w", upstreamKey, err)
	}

	if !p.interactive {
		return &NeedsManualAuthError{UpstreamKey: upstreamKey, AuthorizationURL: authURL}
	}

	p.logger.Info("Opening browser for authorization",
		zap.String("upstream", upstreamKey))
	if err := p.openBrowser(authURL); err != nil {
		p.logger.Warn("Could not open browser automatically, visit the URL manually",
			zap.String("url", authURL), zap.Error(err))
	}

	result, err := callback.Wait(ctx, DefaultCallbackTimeout)
	if err != nil {
		return err
	}
	if result.State != state {
		return fmt.Errorf("state mismatch in OAuth callback for %s", upstreamKey)
	}

	if err := handler.ProcessAuthorizationResponse(ctx, result.Code, state, verifier); err != nil {
		return fmt.Errorf("failed to exchange authorization code for %s: %w", upstreamKey, err)
	}

	p.logger.Info("Authorization complete", zap.String("upstream", upstreamKey))
	return nil
}
