package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/daemon"
	"mcpsquared-go/internal/index"
	"mcpsquared-go/internal/instances"
	"mcpsquared-go/internal/logs"
	"mcpsquared-go/internal/monitor"
	"mcpsquared-go/internal/oauth"
	"mcpsquared-go/internal/observability"
	"mcpsquared-go/internal/policy"
	"mcpsquared-go/internal/retriever"
	"mcpsquared-go/internal/secret"
	"mcpsquared-go/internal/server"
	"mcpsquared-go/internal/socket"
	"mcpsquared-go/internal/upstream"
	"mcpsquared-go/internal/upstream/types"
)

const housekeepingInterval = 30 * time.Second

// loadConfig discovers and loads the effective config, then applies the
// command-line overrides that map onto config fields.
func loadConfig() (*config.Config, string, error) {
	cfg, path, err := config.LoadOrDefault(flagProject)
	if err != nil {
		return nil, "", err
	}

	if flagVerbose {
		cfg.Operations.Logging.Level = logs.LogLevelDebug
	}
	if flagRefreshInterval > 0 {
		cfg.Operations.Index.RefreshIntervalMs = int(flagRefreshInterval / time.Millisecond)
	}
	if flagDaemonSocket != "" {
		cfg.Operations.Daemon.Endpoint = flagDaemonSocket
	}
	if flagDaemonSecret != "" {
		cfg.Operations.Daemon.Secret = flagDaemonSecret
	}
	if flagSocket != "" {
		cfg.Operations.Monitor.Endpoint = flagSocket
	}
	return cfg, path, nil
}

// resolveDataDir applies the --instance namespace on top of the
// configured data directory.
func resolveDataDir(cfg *config.Config) (string, error) {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return "", err
	}
	if flagInstance != "" {
		dataDir = filepath.Join(dataDir, "instances", flagInstance)
	}
	return dataDir, nil
}

// securityLists picks the effective policy lists, honoring --security.
func securityLists(cfg *config.Config) (policy.Lists, error) {
	switch flagSecurity {
	case "":
		allow, block, confirm := cfg.PolicyLists()
		return policy.Lists{Allow: allow, Block: block, Confirm: confirm}, nil
	case "hardened":
		return policy.HardenedLists(), nil
	case "permissive":
		return policy.PermissiveLists(), nil
	default:
		return policy.Lists{}, fmt.Errorf("--security must be hardened or permissive, got %q", flagSecurity)
	}
}

// app is the wired broker core shared by the server and daemon modes.
type app struct {
	cfg      *config.Config
	cfgPath  string
	dataDir  string
	logger   *zap.Logger
	store    *index.Store
	manager  *upstream.Manager
	ret      *retriever.Retriever
	engine   *policy.Engine
	metrics  *observability.Metrics
	session  *server.SessionServer
	registry *instances.Registry
	provider *oauth.Provider
}

// buildApp wires the full broker: config, logging, secrets, OAuth,
// upstream manager, index, retriever, policy, metrics, session server,
// and the instance registry.
func buildApp() (*app, error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logs.Setup(&cfg.Operations.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	lists, err := securityLists(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(lists, policy.DefaultTokenLifetime, logger)
	if err != nil {
		return nil, err
	}

	tokenStore, err := oauth.NewStore(dataDir, logger)
	if err != nil {
		return nil, err
	}
	provider := oauth.NewProvider(tokenStore, !flagNoInteractive, logger)

	resolver := secret.NewResolver()
	manager := upstream.NewManager(cfg, resolver, provider, logger)

	store, err := index.NewStore(dataDir, logger)
	if err != nil {
		return nil, err
	}
	ret := retriever.New(store, manager, nil, cfg.Operations.FindTools, logger)

	metrics := observability.New(cfg.Operations.Monitor.TrackToolCalls, logger)
	session := server.New(cfg, version, ret, manager, engine, metrics, logger)

	registry, err := instances.NewRegistry(dataDir, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		cfgPath:  cfgPath,
		dataDir:  dataDir,
		logger:   logger,
		store:    store,
		manager:  manager,
		ret:      ret,
		engine:   engine,
		metrics:  metrics,
		session:  session,
		registry: registry,
		provider: provider,
	}

	manager.OnChange(func(upstreamKey string) {
		if _, err := a.ret.SyncUpstreamFromCataloger(context.Background(), upstreamKey); err != nil {
			a.logger.Warn("Index sync after upstream change failed",
				zap.String("upstream", upstreamKey), zap.Error(err))
			return
		}
		a.metrics.MarkIndexRefresh(time.Now())
		a.updateGauges()
	})

	logger.Info("Broker wired",
		zap.String("version", version),
		zap.String("config", cfgPath),
		zap.String("data_dir", dataDir),
		zap.Int("upstreams", len(cfg.Upstreams)))
	return a, nil
}

// preflight authenticates OAuth upstreams up front. In non-interactive
// mode any failure aborts startup.
func (a *app) preflight(ctx context.Context) error {
	result := a.provider.Preflight(ctx, a.cfg)
	for _, failure := range result.Failed {
		a.logger.Warn("Upstream authentication failed",
			zap.String("upstream", failure.Name), zap.String("error", failure.Error))
	}
	if flagNoInteractive && len(result.Failed) > 0 {
		return fmt.Errorf("%d upstream(s) require authorization; re-run without --no-interactive or run 'mcpsquared auth <upstream>'", len(result.Failed))
	}
	return nil
}

// start connects the fleet, seeds the index, and launches the
// background tasks.
func (a *app) start(ctx context.Context) {
	a.manager.ConnectAll(ctx)
	if _, err := a.ret.SyncFromCataloger(ctx); err != nil {
		a.logger.Warn("Initial index sync failed", zap.Error(err))
	} else {
		a.metrics.MarkIndexRefresh(time.Now())
	}
	a.updateGauges()

	if !flagNoAutoRefresh {
		a.manager.StartRefresher(ctx, a.cfg.Operations.Index.RefreshInterval())
	}
	go a.housekeeping(ctx)
}

// housekeeping keeps the gauges fresh and prunes dead registry entries.
func (a *app) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.TouchUptime()
			a.updateGauges()
			if pruned, err := a.registry.Prune(); err == nil && pruned > 0 {
				a.logger.Debug("Pruned stale instance records", zap.Int("count", pruned))
			}
		}
	}
}

func (a *app) updateGauges() {
	if count, err := a.store.GetToolCount(); err == nil {
		a.metrics.SetToolsIndexed(count)
	}
	if pairs, err := a.store.GetCooccurrenceCount(); err == nil {
		a.metrics.SetCooccurrencePairs(pairs)
	}
	connected := 0
	for _, info := range a.manager.Snapshot() {
		if info.State == types.StateConnected {
			connected++
		}
	}
	a.metrics.SetUpstreamsConnected(connected)
	a.metrics.SetActiveSessions(a.session.Sessions().Count())
}

// startMonitor launches the monitor socket when enabled. clients is nil
// outside daemon mode.
func (a *app) startMonitor(ctx context.Context, clients func() []daemon.ClientInfo) {
	if !a.cfg.Operations.Monitor.Enabled {
		return
	}
	endpoint := a.cfg.Operations.Monitor.Endpoint
	if endpoint == "" {
		endpoint = socket.DefaultMonitorEndpoint(a.dataDir)
	}
	svc := monitor.New(endpoint, a.metrics, a.session.Sessions(), a.manager, clients, a.logger)
	go func() {
		if err := svc.Serve(ctx); err != nil {
			a.logger.Error("Monitor service failed", zap.Error(err))
		}
	}()
}

// startMetrics serves the Prometheus scrape endpoint when an address is
// configured.
func (a *app) startMetrics(ctx context.Context) {
	addr := a.cfg.Operations.Monitor.MetricsAddr
	if addr == "" {
		return
	}
	router := chi.NewRouter()
	router.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.logger.Info("Metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics endpoint failed", zap.Error(err))
		}
	}()
}

// registerInstance records this process in the registry and returns the
// matching deregister func. Registration failures are non-fatal.
func (a *app) registerInstance(role instances.Role, endpoint string) func() {
	rec, err := a.registry.Register(instances.Record{
		Role:       role,
		Endpoint:   endpoint,
		Version:    version,
		ConfigPath: a.cfgPath,
	})
	if err != nil {
		a.logger.Warn("Instance registration failed", zap.Error(err))
		return func() {}
	}
	return func() {
		if err := a.registry.Deregister(rec.ID); err != nil {
			a.logger.Warn("Instance deregistration failed", zap.Error(err))
		}
	}
}

// close tears the broker down in reverse dependency order.
func (a *app) close() {
	a.manager.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Index store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// daemonEndpoint resolves the daemon IPC endpoint for this data dir.
func (a *app) daemonEndpoint() string {
	if a.cfg.Operations.Daemon.Endpoint != "" {
		return a.cfg.Operations.Daemon.Endpoint
	}
	return socket.DefaultDaemonEndpoint(a.dataDir)
}
