package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mcpsquared-go/internal/socket"
)

const queryTimeout = 10 * time.Second

// Query dials a monitor endpoint, sends one command line, and decodes
// the reply. Used by the monitor CLI subcommand.
func Query(ctx context.Context, endpoint, command string) (*Reply, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("empty monitor command")
	}

	dialCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	conn, err := socket.Dial(dialCtx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("monitor not reachable at %s: %w", endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(queryTimeout))
	}

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return nil, fmt.Errorf("send monitor command: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read monitor reply: %w", err)
		}
		return nil, fmt.Errorf("monitor closed the connection without replying")
	}

	var reply Reply
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("decode monitor reply: %w", err)
	}
	return &reply, nil
}
