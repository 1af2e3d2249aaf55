package transport

import (
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

// DefaultHTTPTimeout bounds streaming-HTTP requests.
const DefaultHTTPTimeout = 180 * time.Second

// HTTPConfig holds everything needed to dial a streaming-HTTP upstream.
// Header values must already be expanded.
type HTTPConfig struct {
	URL         string
	Headers     map[string]string
	OAuthConfig *client.OAuthConfig
}

// CreateHTTPClient builds a streamable-HTTP MCP client. When an OAuth
// config is present the mcp-go OAuth client handles token attachment and
// refresh through its token store.
func CreateHTTPClient(cfg *HTTPConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for HTTP transport")
	}

	if cfg.OAuthConfig != nil {
		oauthClient, err := client.NewOAuthStreamableHttpClient(cfg.URL, *cfg.OAuthConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create OAuth client: %w", err)
		}
		return oauthClient, nil
	}

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPTimeout(DefaultHTTPTimeout),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
	}
	httpTransport, err := transport.NewStreamableHTTP(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}
