// Package daemon serves shared broker sessions over a local socket.
// Frames are newline-terminated UTF-8 JSON objects.
package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types.
const (
	FrameHello    = "hello"
	FrameWelcome  = "welcome"
	FrameMCP      = "mcp"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameShutdown = "shutdown"
	FrameError    = "error"
)

// ProtocolVersion is the only protocol revision this daemon speaks.
const ProtocolVersion = 1

// MaxFrameSize caps one frame; anything larger closes the session.
const MaxFrameSize = 4 * 1024 * 1024

// Stable IPC error codes.
const (
	CodeIpcUnauthorized  = "IpcUnauthorized"
	CodeIpcFrameTooLarge = "IpcFrameTooLarge"
	CodeIpcPeerGone      = "IpcPeerGone"
)

// Frame is the single wire message shape; unused fields stay empty.
type Frame struct {
	Type       string          `json:"type"`
	Protocol   int             `json:"protocol,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	Token      string          `json:"token,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ServerInfo *ServerInfo     `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the daemon in the welcome frame.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// IpcError is a protocol failure with a stable code.
type IpcError struct {
	Code   string
	Detail string
}

func (e *IpcError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// FrameReader decodes newline-delimited frames with a size cap.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps a connection's read side.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &FrameReader{scanner: scanner}
}

// Read returns the next frame. Oversized lines surface as
// IpcFrameTooLarge; a closed peer surfaces as IpcPeerGone.
func (fr *FrameReader) Read() (*Frame, error) {
	if !fr.scanner.Scan() {
		if err := fr.scanner.Err(); err != nil {
			if err == bufio.ErrTooLong {
				return nil, &IpcError{Code: CodeIpcFrameTooLarge}
			}
			return nil, &IpcError{Code: CodeIpcPeerGone, Detail: err.Error()}
		}
		return nil, io.EOF
	}
	var frame Frame
	if err := json.Unmarshal(fr.scanner.Bytes(), &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &frame, nil
}

// WriteFrame encodes one frame followed by a newline.
func WriteFrame(w io.Writer, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data)+1 > MaxFrameSize {
		return &IpcError{Code: CodeIpcFrameTooLarge}
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
