// Package stringutil provides common string utility functions.
package stringutil

import "strings"

// SplitQualified splits a qualified tool name "upstream:tool" at the first
// colon. A name without a colon is treated as a bare tool name and returns
// an empty upstream key.
func SplitQualified(name string) (upstreamKey, toolName string) {
	if idx := strings.Index(name, ":"); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

// JoinQualified builds the qualified display form "upstream:tool".
func JoinQualified(upstreamKey, toolName string) string {
	return upstreamKey + ":" + toolName
}

// IsQualified reports whether the name carries an upstream prefix.
func IsQualified(name string) bool {
	return strings.Contains(name, ":")
}
