// Package config defines the mcp-squared TOML configuration, its discovery
// rules, schema migration, and validation.
package config

import (
	"fmt"
	"time"
)

// CurrentSchemaVersion is the config schema this build reads and writes.
const CurrentSchemaVersion = 1

// Search mode and detail level defaults for find_tools.
const (
	ModeFast     = "fast"
	ModeSemantic = "semantic"
	ModeHybrid   = "hybrid"

	DetailL0 = "L0"
	DetailL1 = "L1"
	DetailL2 = "L2"
)

// Config is the root configuration object.
type Config struct {
	SchemaVersion int                        `toml:"schemaVersion"`
	DataDir       string                     `toml:"dataDir,omitempty"`
	Upstreams     map[string]*UpstreamConfig `toml:"upstreams"`
	Security      SecurityConfig             `toml:"security"`
	Operations    OperationsConfig           `toml:"operations"`
}

// UpstreamConfig describes one upstream MCP server. Exactly one transport
// variant (subprocess or streaming HTTP) must be populated.
type UpstreamConfig struct {
	Label   string `toml:"label,omitempty"`
	Enabled *bool  `toml:"enabled,omitempty"` // nil means enabled

	// Subprocess variant
	Command    string            `toml:"command,omitempty"`
	Args       []string          `toml:"args,omitempty"`
	WorkingDir string            `toml:"workingDir,omitempty"`
	Env        map[string]string `toml:"env,omitempty"`

	// Streaming HTTP variant
	URL     string            `toml:"url,omitempty"`
	Headers map[string]string `toml:"headers,omitempty"`
	Auth    *AuthConfig       `toml:"auth,omitempty"`
}

// AuthConfig is the OAuth block of a streaming-HTTP upstream. It decodes
// from either a bare boolean or a structured table.
type AuthConfig struct {
	Enabled      bool     `toml:"enabled"`
	CallbackPort int      `toml:"callbackPort,omitempty"`
	ClientName   string   `toml:"clientName,omitempty"`
	Scopes       []string `toml:"scopes,omitempty"`
}

// UnmarshalTOML accepts `auth = true` as shorthand for an enabled block.
func (a *AuthConfig) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case bool:
		a.Enabled = val
		return nil
	case map[string]interface{}:
		if enabled, ok := val["enabled"].(bool); ok {
			a.Enabled = enabled
		} else {
			a.Enabled = true
		}
		if port, ok := val["callbackPort"].(int64); ok {
			a.CallbackPort = int(port)
		}
		if name, ok := val["clientName"].(string); ok {
			a.ClientName = name
		}
		if scopes, ok := val["scopes"].([]interface{}); ok {
			for _, s := range scopes {
				if str, ok := s.(string); ok {
					a.Scopes = append(a.Scopes, str)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("auth must be a boolean or a table, got %T", v)
	}
}

// IsEnabled reports whether the upstream should be dialed.
func (u *UpstreamConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// IsSubprocess reports whether the subprocess variant is populated.
func (u *UpstreamConfig) IsSubprocess() bool {
	return u.Command != ""
}

// IsHTTP reports whether the streaming-HTTP variant is populated.
func (u *UpstreamConfig) IsHTTP() bool {
	return u.URL != ""
}

// SecurityConfig nests the tool policy lists.
type SecurityConfig struct {
	Tools *ToolPolicyConfig `toml:"tools,omitempty"`
}

// ToolPolicyConfig mirrors policy.Lists in TOML form.
type ToolPolicyConfig struct {
	Allow   []string `toml:"allow,omitempty"`
	Block   []string `toml:"block,omitempty"`
	Confirm []string `toml:"confirm,omitempty"`
}

// OperationsConfig tunes runtime behavior.
type OperationsConfig struct {
	FindTools      FindToolsConfig      `toml:"findTools"`
	Index          IndexConfig          `toml:"index"`
	Logging        LogConfig            `toml:"logging"`
	SelectionCache SelectionCacheConfig `toml:"selectionCache"`
	Daemon         DaemonConfig         `toml:"daemon"`
	Monitor        MonitorConfig        `toml:"monitor"`
}

// FindToolsConfig configures the find_tools meta-tool.
type FindToolsConfig struct {
	DefaultLimit       int    `toml:"defaultLimit"`
	MaxLimit           int    `toml:"maxLimit"`
	DefaultMode        string `toml:"defaultMode"`
	DefaultDetailLevel string `toml:"defaultDetailLevel"`
}

// IndexConfig configures the tool index refresher.
type IndexConfig struct {
	RefreshIntervalMs int `toml:"refreshIntervalMs"`
}

// RefreshInterval returns the refresher tick as a duration.
func (c IndexConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// LogConfig configures zap output.
type LogConfig struct {
	Level         string `toml:"level"`
	EnableConsole bool   `toml:"enableConsole"`
	EnableFile    bool   `toml:"enableFile"`
	Filename      string `toml:"filename,omitempty"`
	LogDir        string `toml:"logDir,omitempty"`
	MaxSize       int    `toml:"maxSize,omitempty"`    // MB
	MaxBackups    int    `toml:"maxBackups,omitempty"` // files
	MaxAge        int    `toml:"maxAge,omitempty"`     // days
	Compress      bool   `toml:"compress,omitempty"`
}

// SelectionCacheConfig configures co-occurrence tracking and bundle
// suggestions.
type SelectionCacheConfig struct {
	Enabled                  bool `toml:"enabled"`
	MinCooccurrenceThreshold int  `toml:"minCooccurrenceThreshold"`
	MaxBundleSuggestions     int  `toml:"maxBundleSuggestions"`
}

// DaemonConfig configures the shared-daemon IPC surface. Endpoint and
// secret default to per-user values derived from the data directory.
type DaemonConfig struct {
	Endpoint              string `toml:"endpoint,omitempty"`
	Secret                string `toml:"secret,omitempty"`
	HeartbeatIntervalMs   int    `toml:"heartbeatIntervalMs"`
	MaxConcurrentExecutes int    `toml:"maxConcurrentExecutes"`
}

// HeartbeatInterval returns the ping cadence as a duration.
func (c DaemonConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// MonitorConfig configures the read-only monitor socket and the
// optional Prometheus scrape endpoint. An empty MetricsAddr disables
// the HTTP listener.
type MonitorConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint,omitempty"`
	TrackToolCalls bool   `toml:"trackToolCalls"`
	MetricsAddr    string `toml:"metricsAddr,omitempty"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Upstreams:     make(map[string]*UpstreamConfig),
		Operations: OperationsConfig{
			FindTools: FindToolsConfig{
				DefaultLimit:       10,
				MaxLimit:           50,
				DefaultMode:        ModeFast,
				DefaultDetailLevel: DetailL1,
			},
			Index: IndexConfig{
				RefreshIntervalMs: 30000,
			},
			Logging: LogConfig{
				Level:         "info",
				EnableConsole: true,
				Filename:      "main.log",
				MaxSize:       10,
				MaxBackups:    5,
				MaxAge:        30,
				Compress:      true,
			},
			SelectionCache: SelectionCacheConfig{
				Enabled:                  true,
				MinCooccurrenceThreshold: 2,
				MaxBundleSuggestions:     3,
			},
			Daemon: DaemonConfig{
				HeartbeatIntervalMs:   15000,
				MaxConcurrentExecutes: 8,
			},
			Monitor: MonitorConfig{
				Enabled:        true,
				TrackToolCalls: true,
			},
		},
	}
}

// applyDefaults fills zero values on a decoded config.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Upstreams == nil {
		c.Upstreams = make(map[string]*UpstreamConfig)
	}
	if c.Operations.FindTools.DefaultLimit == 0 {
		c.Operations.FindTools.DefaultLimit = def.Operations.FindTools.DefaultLimit
	}
	if c.Operations.FindTools.MaxLimit == 0 {
		c.Operations.FindTools.MaxLimit = def.Operations.FindTools.MaxLimit
	}
	if c.Operations.FindTools.DefaultMode == "" {
		c.Operations.FindTools.DefaultMode = def.Operations.FindTools.DefaultMode
	}
	if c.Operations.FindTools.DefaultDetailLevel == "" {
		c.Operations.FindTools.DefaultDetailLevel = def.Operations.FindTools.DefaultDetailLevel
	}
	if c.Operations.Index.RefreshIntervalMs == 0 {
		c.Operations.Index.RefreshIntervalMs = def.Operations.Index.RefreshIntervalMs
	}
	if c.Operations.Logging.Level == "" {
		c.Operations.Logging = def.Operations.Logging
	}
	if c.Operations.SelectionCache.MinCooccurrenceThreshold == 0 {
		c.Operations.SelectionCache.MinCooccurrenceThreshold = def.Operations.SelectionCache.MinCooccurrenceThreshold
	}
	if c.Operations.SelectionCache.MaxBundleSuggestions == 0 {
		c.Operations.SelectionCache.MaxBundleSuggestions = def.Operations.SelectionCache.MaxBundleSuggestions
	}
	if c.Operations.Daemon.HeartbeatIntervalMs == 0 {
		c.Operations.Daemon.HeartbeatIntervalMs = def.Operations.Daemon.HeartbeatIntervalMs
	}
	if c.Operations.Daemon.MaxConcurrentExecutes == 0 {
		c.Operations.Daemon.MaxConcurrentExecutes = def.Operations.Daemon.MaxConcurrentExecutes
	}
}

// Validate checks structural invariants, collecting every problem.
func (c *Config) Validate() error {
	var problems []string

	for key, upstream := range c.Upstreams {
		if upstream == nil {
			problems = append(problems, fmt.Sprintf("upstream %q is empty", key))
			continue
		}
		switch {
		case upstream.IsSubprocess() && upstream.IsHTTP():
			problems = append(problems, fmt.Sprintf("upstream %q sets both command and url; exactly one transport is allowed", key))
		case !upstream.IsSubprocess() && !upstream.IsHTTP():
			problems = append(problems, fmt.Sprintf("upstream %q sets neither command nor url", key))
		}
		if upstream.Auth != nil && !upstream.IsHTTP() {
			problems = append(problems, fmt.Sprintf("upstream %q configures auth but is not a streaming-HTTP upstream", key))
		}
	}

	ft := c.Operations.FindTools
	if ft.DefaultLimit > ft.MaxLimit {
		problems = append(problems, fmt.Sprintf("operations.findTools.defaultLimit (%d) exceeds maxLimit (%d)", ft.DefaultLimit, ft.MaxLimit))
	}
	switch ft.DefaultMode {
	case ModeFast, ModeSemantic, ModeHybrid:
	default:
		problems = append(problems, fmt.Sprintf("operations.findTools.defaultMode %q is not one of fast, semantic, hybrid", ft.DefaultMode))
	}
	switch ft.DefaultDetailLevel {
	case DetailL0, DetailL1, DetailL2:
	default:
		problems = append(problems, fmt.Sprintf("operations.findTools.defaultDetailLevel %q is not one of L0, L1, L2", ft.DefaultDetailLevel))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// PolicyLists extracts the security lists, applying the hardened default
// when no security section is configured.
func (c *Config) PolicyLists() (allow, block, confirm []string) {
	if c.Security.Tools == nil {
		return nil, nil, []string{"*:*"}
	}
	return c.Security.Tools.Allow, c.Security.Tools.Block, c.Security.Tools.Confirm
}
