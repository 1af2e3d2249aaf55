package config

import (
	"sort"
)

// MergeClass describes how an incoming external server relates to the
// current config.
type MergeClass string

const (
	// MergeNew means the key does not exist yet.
	MergeNew MergeClass = "new"
	// MergeConflict means the key exists with different settings.
	MergeConflict MergeClass = "conflict"
	// MergeInSync means the key exists with identical settings.
	MergeInSync MergeClass = "inSync"
)

// ExternalServer is a server definition read from another tool's config
// file, already normalized by the importer.
type ExternalServer struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// ToUpstream converts an external definition to a native upstream block.
func (s ExternalServer) ToUpstream() *UpstreamConfig {
	return &UpstreamConfig{
		Command: s.Command,
		Args:    append([]string(nil), s.Args...),
		Env:     copyStringMap(s.Env),
		URL:     s.URL,
		Headers: copyStringMap(s.Headers),
	}
}

// MergeResult is the classification of one incoming server.
type MergeResult struct {
	Name     string
	Class    MergeClass
	Incoming *UpstreamConfig
	Existing *UpstreamConfig
}

// ClassifyMerge compares incoming servers against the config without
// modifying it. Results come back sorted by name so output is stable.
func ClassifyMerge(cfg *Config, servers []ExternalServer) []MergeResult {
	results := make([]MergeResult, 0, len(servers))
	for _, s := range servers {
		incoming := s.ToUpstream()
		existing, ok := cfg.Upstreams[s.Name]
		switch {
		case !ok || existing == nil:
			results = append(results, MergeResult{Name: s.Name, Class: MergeNew, Incoming: incoming})
		case upstreamsEquivalent(existing, incoming):
			results = append(results, MergeResult{Name: s.Name, Class: MergeInSync, Incoming: incoming, Existing: existing})
		default:
			results = append(results, MergeResult{Name: s.Name, Class: MergeConflict, Incoming: incoming, Existing: existing})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// ApplyMerge writes classified servers into the config. New entries are
// always added; conflicts are only taken when overwrite is set; inSync
// entries are never touched. Returns the number of changes made.
func ApplyMerge(cfg *Config, results []MergeResult, overwrite bool) int {
	if cfg.Upstreams == nil {
		cfg.Upstreams = make(map[string]*UpstreamConfig)
	}
	changed := 0
	for _, r := range results {
		switch r.Class {
		case MergeNew:
			cfg.Upstreams[r.Name] = r.Incoming
			changed++
		case MergeConflict:
			if overwrite {
				cfg.Upstreams[r.Name] = r.Incoming
				changed++
			}
		}
	}
	return changed
}

// upstreamsEquivalent compares the transport-defining fields of two
// upstream blocks. Label, enabled, and auth settings are local choices and
// do not count against sync.
func upstreamsEquivalent(a, b *UpstreamConfig) bool {
	if a.Command != b.Command || a.URL != b.URL {
		return false
	}
	if !stringSlicesEqual(a.Args, b.Args) {
		return false
	}
	if !stringMapsEqual(a.Env, b.Env) {
		return false
	}
	return stringMapsEqual(a.Headers, b.Headers)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func copyStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
