package config

import (
	"fmt"
	"strings"
)

// Stable error codes surfaced to callers.
const (
	CodeConfigNotFound       = "ConfigNotFound"
	CodeConfigParse          = "ConfigParse"
	CodeConfigValidation     = "ConfigValidation"
	CodeUnknownSchemaVersion = "UnknownSchemaVersion"
)

// NotFoundError indicates no config file could be discovered.
type NotFoundError struct {
	Searched []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no configuration file found (searched: %s)",
		CodeConfigNotFound, strings.Join(e.Searched, ", "))
}

// ParseError wraps a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: failed to parse %s: %v", CodeConfigParse, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError collects every structural problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", CodeConfigValidation, strings.Join(e.Problems, "; "))
}

// UnknownSchemaVersionError reports a config written by a newer release.
type UnknownSchemaVersionError struct {
	Found     int
	Supported int
}

func (e *UnknownSchemaVersionError) Error() string {
	return fmt.Sprintf("%s: config schemaVersion %d is newer than supported version %d",
		CodeUnknownSchemaVersion, e.Found, e.Supported)
}
