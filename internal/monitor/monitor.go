// Package monitor serves the read-only statistics socket. Commands are
// single lines, replies are single JSON objects, and nothing here can
// mutate broker state.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpsquared-go/internal/daemon"
	"mcpsquared-go/internal/observability"
	"mcpsquared-go/internal/socket"
	"mcpsquared-go/internal/upstream/types"
)

// Known commands.
const (
	CommandPing      = "ping"
	CommandStats     = "stats"
	CommandTools     = "tools"
	CommandUpstreams = "upstreams"
	CommandClients   = "clients"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	readTimeout = 30 * time.Second
)

// SessionCounter reports how many MCP sessions are live.
type SessionCounter interface {
	Count() int
}

// Fleet is the slice of the cataloger the monitor reads.
type Fleet interface {
	Snapshot() map[string]types.ConnectionInfo
}

// Service answers monitor queries on a local socket.
type Service struct {
	endpoint string
	metrics  *observability.Metrics
	sessions SessionCounter
	fleet    Fleet
	clients  func() []daemon.ClientInfo
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closing  bool
}

// New builds a monitor service. clients may be nil in standalone mode;
// the clients command then reports an empty list.
func New(endpoint string, metrics *observability.Metrics, sessions SessionCounter, fleet Fleet, clients func() []daemon.ClientInfo, logger *zap.Logger) *Service {
	return &Service{
		endpoint: endpoint,
		metrics:  metrics,
		sessions: sessions,
		fleet:    fleet,
		clients:  clients,
		logger:   logger.Named("monitor"),
	}
}

// Endpoint returns the configured listen endpoint.
func (s *Service) Endpoint() string { return s.endpoint }

// Serve listens and answers queries until the context is canceled.
func (s *Service) Serve(ctx context.Context) error {
	listener, err := socket.Listen(s.endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("Monitor listening", zap.String("endpoint", s.endpoint))

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops the listener. Safe to call more than once.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
}

// Reply is one monitor response. Timestamp is milliseconds since epoch.
type Reply struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp := s.handleCommand(line)
		resp.Timestamp = time.Now().UnixMilli()
		payload, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("Reply marshal failed", zap.Error(err))
			return
		}
		payload = append(payload, '\n')
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func (s *Service) handleCommand(line string) Reply {
	fields := strings.Fields(line)
	command := fields[0]

	switch command {
	case CommandPing:
		return Reply{Status: statusSuccess, Data: "pong"}
	case CommandStats:
		return Reply{Status: statusSuccess, Data: s.statsData()}
	case CommandTools:
		return s.toolsReply(fields[1:])
	case CommandUpstreams:
		return Reply{Status: statusSuccess, Data: s.upstreamsData()}
	case CommandClients:
		return Reply{Status: statusSuccess, Data: s.clientsData()}
	default:
		return Reply{Status: statusError, Error: fmt.Sprintf("unknown command %q", command)}
	}
}

type statsData struct {
	TotalRequests      uint64 `json:"totalRequests"`
	SuccessfulRequests uint64 `json:"successfulRequests"`
	FailedRequests     uint64 `json:"failedRequests"`
	ActiveConnections  int    `json:"activeConnections"`
	CacheHits          uint64 `json:"cacheHits"`
	CacheMisses        uint64 `json:"cacheMisses"`
	CacheSize          int    `json:"cacheSize"`
	LastIndexRefresh   int64  `json:"lastIndexRefresh,omitempty"` // epoch millis
}

func (s *Service) statsData() statsData {
	snap := s.metrics.Snapshot()
	data := statsData{
		TotalRequests:      snap.TotalRequests,
		SuccessfulRequests: snap.SuccessfulRequests,
		FailedRequests:     snap.FailedRequests,
		CacheHits:          snap.SuggestionHits,
		CacheMisses:        snap.SuggestionMisses,
		CacheSize:          snap.CooccurrencePairs,
	}
	if s.sessions != nil {
		data.ActiveConnections = s.sessions.Count()
	}
	if !snap.LastIndexRefresh.IsZero() {
		data.LastIndexRefresh = snap.LastIndexRefresh.UnixMilli()
	}
	return data
}

type toolRow struct {
	Tool     string `json:"tool"`
	Calls    uint64 `json:"calls"`
	Success  uint64 `json:"success"`
	Failures uint64 `json:"failures"`
}

func (s *Service) toolsReply(args []string) Reply {
	limit := 0
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 0 {
			return Reply{Status: statusError, Error: fmt.Sprintf("invalid limit %q", args[0])}
		}
		limit = parsed
	}

	table := s.metrics.ToolCallTable()
	if table == nil {
		return Reply{Status: statusError, Error: "tool call tracking is disabled"}
	}
	if limit > 0 && len(table) > limit {
		table = table[:limit]
	}

	rows := make([]toolRow, 0, len(table))
	for _, stat := range table {
		rows = append(rows, toolRow{
			Tool:     stat.Tool,
			Calls:    stat.Calls,
			Success:  stat.Calls - stat.Failures,
			Failures: stat.Failures,
		})
	}
	return Reply{Status: statusSuccess, Data: rows}
}

type upstreamRow struct {
	Key           string `json:"key"`
	Status        string `json:"status"`
	LastError     string `json:"lastError,omitempty"`
	ServerName    string `json:"serverName,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
	ToolCount     int    `json:"toolCount"`
	Transport     string `json:"transport"`
	AuthPending   bool   `json:"authPending,omitempty"`
}

func (s *Service) upstreamsData() []upstreamRow {
	rows := make([]upstreamRow, 0)
	if s.fleet == nil {
		return rows
	}
	for key, info := range s.fleet.Snapshot() {
		rows = append(rows, upstreamRow{
			Key:           key,
			Status:        info.State.String(),
			LastError:     info.LastError,
			ServerName:    info.ServerName,
			ServerVersion: info.ServerVersion,
			ToolCount:     info.ToolCount,
			Transport:     string(info.Transport),
			AuthPending:   info.AuthPending,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

func (s *Service) clientsData() []daemon.ClientInfo {
	if s.clients == nil {
		return []daemon.ClientInfo{}
	}
	return s.clients()
}
