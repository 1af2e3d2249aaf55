package upstream

import (
	"fmt"
	"strings"

	"mcpsquared-go/internal/upstream/types"
)

// Stable error codes for dial and call failures.
const (
	CodeExecutableNotFound = "ExecutableNotFound"
	CodeChildExited        = "ChildExited"
	CodeHandshakeTimeout   = "HandshakeTimeout"
	CodeUnauthorized       = "Unauthorized"
	CodeDialFailed         = "DialFailed"
	CodeNotConnected       = "UpstreamNotConnected"
	CodeUnknownUpstream    = "UnknownUpstream"
	CodeToolNotFound       = "ToolNotFound"
	CodeAmbiguousTool      = "AmbiguousTool"
)

// DialError classifies why an upstream could not be brought up.
type DialError struct {
	UpstreamKey string
	Code        string
	Err         error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("%s: upstream %s: %v", e.Code, e.UpstreamKey, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// NotConnectedError reports a call against an upstream that is not in
// the connected state.
type NotConnectedError struct {
	UpstreamKey string
	State       types.ConnectionState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s: upstream %s is %s", CodeNotConnected, e.UpstreamKey, e.State)
}

// UnknownUpstreamError reports a key that is not in the configuration.
type UnknownUpstreamError struct {
	Key string
}

func (e *UnknownUpstreamError) Error() string {
	return fmt.Sprintf("%s: no upstream named %s", CodeUnknownUpstream, e.Key)
}

// ToolNotFoundError reports a call to a tool no upstream exposes.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("%s: no upstream exposes tool %s", CodeToolNotFound, e.Name)
}

// AmbiguousToolError reports a bare name served by several upstreams.
type AmbiguousToolError struct {
	Name         string
	Alternatives []string
}

func (e *AmbiguousToolError) Error() string {
	return fmt.Sprintf("%s: tool %s is served by several upstreams; use one of: %s",
		CodeAmbiguousTool, e.Name, strings.Join(e.Alternatives, ", "))
}
