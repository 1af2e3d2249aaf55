// Package instances tracks the broker processes sharing one data
// directory. Each live process owns one JSON file in the registry
// directory; readers probe liveness instead of trusting the files.
package instances

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mcpsquared-go/internal/socket"
)

// Role names the kind of process behind a registry record.
type Role string

const (
	RoleDaemon Role = "daemon"
	RoleProxy  Role = "proxy"
	RoleServer Role = "server"
)

const dirName = "instances"

// Record describes one registered process. WorkingDir, ConfigPath and
// CommandLine are descriptive only; liveness checks never consult them.
type Record struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	PID         int       `json:"pid"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Version     string    `json:"version,omitempty"`
	WorkingDir  string    `json:"working_dir,omitempty"`
	ConfigPath  string    `json:"config_path,omitempty"`
	CommandLine []string  `json:"command_line,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Registry is the file-backed instance registry.
type Registry struct {
	dir    string
	logger *zap.Logger
}

// NewRegistry opens the registry under dataDir, creating the directory.
func NewRegistry(dataDir string, logger *zap.Logger) (*Registry, error) {
	dir := filepath.Join(dataDir, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create instance registry: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{dir: dir, logger: logger.Named("instances")}, nil
}

// Register writes a record for the calling process. A missing ID gets a
// fresh ULID; PID defaults to the current process.
func (r *Registry) Register(rec Record) (*Record, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.WorkingDir == "" {
		rec.WorkingDir, _ = os.Getwd()
	}
	if len(rec.CommandLine) == 0 {
		rec.CommandLine = os.Args
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return nil, err
	}
	path := r.path(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write instance record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to commit instance record: %w", err)
	}
	r.logger.Debug("Instance registered",
		zap.String("id", rec.ID), zap.String("role", string(rec.Role)), zap.Int("pid", rec.PID))
	return &rec, nil
}

// Deregister removes the record. Missing files are not an error.
func (r *Registry) Deregister(id string) error {
	err := os.Remove(r.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every record on disk, dead or alive, sorted by start
// time. Unreadable files are skipped.
func (r *Registry) List() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Debug("Skipping unreadable instance record",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

// Live filters List down to records whose process still answers the
// liveness probe.
func (r *Registry) Live() ([]Record, error) {
	records, err := r.List()
	if err != nil {
		return nil, err
	}
	var live []Record
	for _, rec := range records {
		if r.isAlive(rec) {
			live = append(live, rec)
		}
	}
	return live, nil
}

// FindDaemon returns the live daemon record, or nil when none answers.
func (r *Registry) FindDaemon() (*Record, error) {
	live, err := r.Live()
	if err != nil {
		return nil, err
	}
	for i := range live {
		if live[i].Role == RoleDaemon {
			return &live[i], nil
		}
	}
	return nil, nil
}

// WaitForDaemon polls for a live daemon until the deadline. Used by the
// proxy after spawning a daemon in the background.
func (r *Registry) WaitForDaemon(ctx context.Context, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := r.FindDaemon()
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no daemon appeared within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Prune removes records whose process is gone and returns how many
// files were deleted. Pruning is opt-in; List never mutates.
func (r *Registry) Prune() (int, error) {
	records, err := r.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range records {
		if r.isAlive(rec) {
			continue
		}
		if err := r.Deregister(rec.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// isAlive probes the recorded pid, then the endpoint. Proxies have no
// listener of their own, so the dial step applies to daemons only.
func (r *Registry) isAlive(rec Record) bool {
	if rec.PID <= 0 || !pidAlive(rec.PID) {
		return false
	}
	if rec.Role != RoleDaemon || rec.Endpoint == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	conn, err := socket.Dial(ctx, rec.Endpoint)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}
