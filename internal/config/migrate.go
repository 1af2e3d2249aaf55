package config

import (
	"github.com/BurntSushi/toml"
)

// schemaProbe decodes just enough to learn the file's schema version.
type schemaProbe struct {
	SchemaVersion *int `toml:"schemaVersion"`
}

// migrationStep lifts raw TOML bytes one schema version.
type migrationStep func(data []byte) ([]byte, error)

// migrations maps a source version to the step that lifts it one version.
var migrations = map[int]migrationStep{
	// v0 → v1: the v0 shape is structurally identical to v1; the step only
	// exists so version accounting stays explicit when v2 arrives.
	0: func(data []byte) ([]byte, error) {
		return data, nil
	},
}

// Migrate brings raw TOML bytes up to CurrentSchemaVersion, one step at a
// time. A missing schemaVersion is treated as version 0 so the v0→v1
// migration always runs rather than being skipped. A version newer than
// this build supports is a hard error naming both versions.
func Migrate(data []byte, path string) ([]byte, error) {
	probe := schemaProbe{}
	if err := toml.Unmarshal(data, &probe); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	version := 0
	if probe.SchemaVersion != nil {
		version = *probe.SchemaVersion
	}

	if version > CurrentSchemaVersion {
		return nil, &UnknownSchemaVersionError{Found: version, Supported: CurrentSchemaVersion}
	}

	for version < CurrentSchemaVersion {
		step, ok := migrations[version]
		if !ok {
			break
		}
		migrated, err := step(data)
		if err != nil {
			return nil, err
		}
		data = migrated
		version++
	}
	return data, nil
}
