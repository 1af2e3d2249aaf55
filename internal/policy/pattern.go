// Package policy implements the security policy engine that gates every
// tool execution: glob-based allow/block/confirm lists and single-use
// confirmation tokens.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is one compiled "<serverGlob>:<toolGlob>" entry. Globs support
// '*' (any run of characters) and '?' (one character); matching is anchored
// and case-insensitive.
type Pattern struct {
	Raw    string
	server *regexp.Regexp
	tool   *regexp.Regexp
}

// CompilePattern compiles a single pattern. A pattern missing either half
// is invalid.
func CompilePattern(raw string) (*Pattern, error) {
	idx := strings.Index(raw, ":")
	if idx < 0 {
		return nil, fmt.Errorf("pattern %q is missing the ':' separator", raw)
	}
	serverGlob := raw[:idx]
	toolGlob := raw[idx+1:]
	if serverGlob == "" || toolGlob == "" {
		return nil, fmt.Errorf("pattern %q must have both a server glob and a tool glob", raw)
	}

	serverRe, err := globToRegexp(serverGlob)
	if err != nil {
		return nil, fmt.Errorf("invalid server glob in %q: %w", raw, err)
	}
	toolRe, err := globToRegexp(toolGlob)
	if err != nil {
		return nil, fmt.Errorf("invalid tool glob in %q: %w", raw, err)
	}

	return &Pattern{Raw: raw, server: serverRe, tool: toolRe}, nil
}

// Matches reports whether the pattern matches the given upstream key and
// bare tool name.
func (p *Pattern) Matches(upstreamKey, toolName string) bool {
	return p.server.MatchString(upstreamKey) && p.tool.MatchString(toolName)
}

// globToRegexp translates a glob to an anchored case-insensitive regexp.
// Everything except '*' and '?' is matched literally.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// compileList compiles a pattern list, naming the list and the offending
// pattern on failure.
func compileList(listName string, raw []string) ([]*Pattern, error) {
	patterns := make([]*Pattern, 0, len(raw))
	for _, entry := range raw {
		p, err := CompilePattern(entry)
		if err != nil {
			return nil, fmt.Errorf("security.tools.%s: %w", listName, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func anyMatches(patterns []*Pattern, upstreamKey, toolName string) bool {
	for _, p := range patterns {
		if p.Matches(upstreamKey, toolName) {
			return true
		}
	}
	return false
}
