package oauth

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/transport"
)

// PreflightFailure names one upstream whose authentication failed.
type PreflightFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// PreflightResult summarizes a pre-flight authentication sweep.
type PreflightResult struct {
	Authenticated []string           `json:"authenticated"`
	AlreadyValid  []string           `json:"alreadyValid"`
	Failed        []PreflightFailure `json:"failed"`
}

// Preflight authenticates every enabled streaming-HTTP upstream with an
// auth block before the daemon enters serve mode. Upstreams with live
// tokens are skipped.
func (p *Provider) Preflight(ctx context.Context, cfg *config.Config) *PreflightResult {
	result := &PreflightResult{}

	for key, upstream := range cfg.Upstreams {
		if !upstream.IsEnabled() || !upstream.IsHTTP() {
			continue
		}
		if upstream.Auth == nil || !upstream.Auth.Enabled {
			continue
		}

		if p.store.HasValidToken(key) {
			result.AlreadyValid = append(result.AlreadyValid, key)
			continue
		}

		if err := p.authenticate(ctx, key, upstream); err != nil {
			p.logger.Warn("Pre-flight authentication failed",
				zap.String("upstream", key), zap.Error(err))
			result.Failed = append(result.Failed, PreflightFailure{Name: key, Error: err.Error()})
			continue
		}
		result.Authenticated = append(result.Authenticated, key)
	}
	return result
}

// AuthenticateUpstream drives the flow for a single upstream on demand,
// regardless of stored token state. The auth CLI subcommand uses it to
// force a re-authorization.
func (p *Provider) AuthenticateUpstream(ctx context.Context, key string, upstream *config.UpstreamConfig) error {
	if !upstream.IsHTTP() {
		return fmt.Errorf("upstream %q is not a streaming-HTTP upstream", key)
	}
	if upstream.Auth == nil || !upstream.Auth.Enabled {
		return fmt.Errorf("upstream %q has no auth block enabled", key)
	}
	return p.authenticate(ctx, key, upstream)
}

// authenticate dials the upstream once to trigger the OAuth challenge,
// drives the flow, and verifies with a second dial.
func (p *Provider) authenticate(ctx context.Context, key string, upstream *config.UpstreamConfig) error {
	if err := p.tryInitialize(ctx, key, upstream); err != nil {
		if !client.IsOAuthAuthorizationRequiredError(err) {
			return err
		}
		if authErr := p.Authorize(ctx, key, upstream.Auth, err); authErr != nil {
			return authErr
		}
		// Retry once with the fresh tokens.
		if err := p.tryInitialize(ctx, key, upstream); err != nil {
			return fmt.Errorf("connect failed after authorization: %w", err)
		}
	}
	return nil
}

func (p *Provider) tryInitialize(ctx context.Context, key string, upstream *config.UpstreamConfig) error {
	oauthConfig := p.ClientConfig(key, upstream.Auth)
	mcpClient, err := transport.CreateHTTPClient(&transport.HTTPConfig{
		URL:         upstream.URL,
		Headers:     upstream.Headers,
		OAuthConfig: &oauthConfig,
	})
	if err != nil {
		return err
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return err
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "mcp-squared", Version: "preflight"}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	_, err = mcpClient.Initialize(ctx, initRequest)
	return err
}
