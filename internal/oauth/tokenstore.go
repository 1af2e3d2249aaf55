// Package oauth holds per-upstream OAuth credentials and drives the
// interactive authorization flow for streaming-HTTP upstreams.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

const tokensDirName = "tokens"

// tokenRecord is the on-disk form of one upstream's credentials.
type tokenRecord struct {
	UpstreamKey      string    `json:"upstream_key"`
	AccessToken      string    `json:"access_token,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	TokenType        string    `json:"token_type,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	Scope            string    `json:"scope,omitempty"`
	ClientID         string    `json:"client_id,omitempty"`
	ClientSecret     string    `json:"client_secret,omitempty"`
	CodeVerifier     string    `json:"code_verifier,omitempty"`
	AuthStateVersion uint64    `json:"auth_state_version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store keeps one JSON file per upstream under <dataDir>/tokens. Every
// write bumps the record's monotone authStateVersion so the cataloger
// can notice fresh credentials.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStore opens the token directory, creating it with owner-only
// permissions.
func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, tokensDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) recordPath(upstreamKey string) string {
	// Keys come from TOML table names; escape path separators anyway.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(upstreamKey)
	return filepath.Join(s.dir, safe+".json")
}

func (s *Store) load(upstreamKey string) (*tokenRecord, error) {
	data, err := os.ReadFile(s.recordPath(upstreamKey))
	if err != nil {
		if os.IsNotExist(err) {
			return &tokenRecord{UpstreamKey: upstreamKey}, nil
		}
		return nil, err
	}
	record := &tokenRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to decode token record for %s: %w", upstreamKey, err)
	}
	return record, nil
}

// save writes atomically and bumps the auth-state version.
func (s *Store) save(record *tokenRecord) error {
	record.AuthStateVersion++
	record.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	path := s.recordPath(record.UpstreamKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace token record: %w", err)
	}
	return nil
}

// mutate applies fn to the record under the store lock and persists it.
func (s *Store) mutate(upstreamKey string, fn func(*tokenRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(upstreamKey)
	if err != nil {
		return err
	}
	fn(record)
	return s.save(record)
}

// Version returns the current auth-state version for an upstream; zero
// means no credentials were ever written.
func (s *Store) Version(upstreamKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(upstreamKey)
	if err != nil {
		return 0
	}
	return record.AuthStateVersion
}

// HasValidToken reports whether a non-expired access token is stored.
func (s *Store) HasValidToken(upstreamKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(upstreamKey)
	if err != nil || record.AccessToken == "" {
		return false
	}
	return record.ExpiresAt.IsZero() || time.Now().Before(record.ExpiresAt)
}

// SaveCodeVerifier persists the PKCE verifier for the in-flight flow.
func (s *Store) SaveCodeVerifier(upstreamKey, verifier string) error {
	return s.mutate(upstreamKey, func(r *tokenRecord) {
		r.CodeVerifier = verifier
	})
}

// SaveClientInfo persists dynamic-registration client credentials.
func (s *Store) SaveClientInfo(upstreamKey, clientID, clientSecret string) error {
	return s.mutate(upstreamKey, func(r *tokenRecord) {
		r.ClientID = clientID
		r.ClientSecret = clientSecret
	})
}

// ClientInfo returns stored dynamic-registration credentials.
func (s *Store) ClientInfo(upstreamKey string) (clientID, clientSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(upstreamKey)
	if err != nil {
		return "", ""
	}
	return record.ClientID, record.ClientSecret
}

// Clear removes stored credentials for an upstream, keeping the version
// monotone so watchers still observe the change.
func (s *Store) Clear(upstreamKey string) error {
	return s.mutate(upstreamKey, func(r *tokenRecord) {
		r.AccessToken = ""
		r.RefreshToken = ""
		r.TokenType = ""
		r.ExpiresAt = time.Time{}
		r.Scope = ""
		r.CodeVerifier = ""
	})
}

// ForUpstream adapts the store to the mcp-go client.TokenStore contract
// for one upstream.
func (s *Store) ForUpstream(upstreamKey string) client.TokenStore {
	return &upstreamTokenStore{store: s, upstreamKey: upstreamKey}
}

type upstreamTokenStore struct {
	store       *Store
	upstreamKey string
}

// GetToken returns the stored token or transport.ErrNoToken. Expired
// tokens are returned as-is so the OAuth client can refresh them.
func (u *upstreamTokenStore) GetToken(ctx context.Context) (*client.Token, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	u.store.mu.Lock()
	record, err := u.store.load(u.upstreamKey)
	u.store.mu.Unlock()
	if err != nil || record.AccessToken == "" {
		return nil, transport.ErrNoToken
	}

	return &client.Token{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		ExpiresAt:    record.ExpiresAt,
		Scope:        record.Scope,
	}, nil
}

// SaveToken persists a fresh token set.
func (u *upstreamTokenStore) SaveToken(ctx context.Context, token *client.Token) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return u.store.mutate(u.upstreamKey, func(r *tokenRecord) {
		r.AccessToken = token.AccessToken
		r.RefreshToken = token.RefreshToken
		r.TokenType = token.TokenType
		r.ExpiresAt = token.ExpiresAt
		r.Scope = token.Scope
	})
}
