package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	// EnvConfigPath overrides config discovery entirely.
	EnvConfigPath = "MCP_SQUARED_CONFIG"

	ProjectFileName    = "mcp-squared.toml"
	ProjectDirName     = ".mcp-squared"
	ProjectDirFileName = "config.toml"
	UserConfigDirName  = "mcp-squared"
)

// Discover finds the effective config path. Order: explicit environment
// variable, nearest ancestor project file, user-level config. First hit
// wins.
func Discover(workDir string) (string, error) {
	var searched []string

	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath, nil
	}
	searched = append(searched, "$"+EnvConfigPath)

	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		workDir = wd
	}

	// Walk ancestors looking for a project file.
	dir := workDir
	for {
		for _, candidate := range []string{
			filepath.Join(dir, ProjectFileName),
			filepath.Join(dir, ProjectDirName, ProjectDirFileName),
		} {
			searched = append(searched, candidate)
			if fileExists(candidate) {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if userDir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(userDir, UserConfigDirName, ProjectDirFileName)
		searched = append(searched, candidate)
		if fileExists(candidate) {
			return candidate, nil
		}
	}

	return "", &NotFoundError{Searched: searched}
}

// Load reads, migrates, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Searched: []string{path}}
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes raw TOML bytes. The path is only used in error messages.
func Parse(data []byte, path string) (*Config, error) {
	migrated, err := Migrate(data, path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := toml.Unmarshal(migrated, cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	cfg.SchemaVersion = CurrentSchemaVersion
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the discovered config, or returns defaults when no
// file exists anywhere.
func LoadOrDefault(workDir string) (*Config, string, error) {
	path, err := Discover(workDir)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return DefaultConfig(), "", nil
		}
		return nil, "", err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Save writes the config as TOML, creating parent directories.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	encoder.Indent = ""
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Atomic write so a crashed save never leaves a torn config.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// DataDir resolves the data directory, defaulting to ~/.mcp-squared.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".mcp-squared"), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
