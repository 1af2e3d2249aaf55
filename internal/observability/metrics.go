// Package observability collects Prometheus counters and gauges for the
// meta-tool surface. The monitor socket reads them back through Gather,
// so every number reported over IPC comes from the same registry an
// operator would scrape.
package observability

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"

	resultHit  = "hit"
	resultMiss = "miss"
)

// Metrics owns the process-local Prometheus registry and the update
// methods the server and monitor wire into. It satisfies the session
// server's CallRecorder.
type Metrics struct {
	logger         *zap.Logger
	registry       *prometheus.Registry
	trackToolCalls bool
	startTime      time.Time

	requests          *prometheus.CounterVec
	toolCalls         *prometheus.CounterVec
	suggestionLookups *prometheus.CounterVec

	activeSessions     prometheus.Gauge
	upstreamsConnected prometheus.Gauge
	toolsIndexed       prometheus.Gauge
	cooccurrencePairs  prometheus.Gauge
	lastRefresh        prometheus.Gauge
	uptime             prometheus.Gauge
}

// New creates the registry and registers every metric. When
// trackToolCalls is false, per-upstream-tool counters are not recorded
// and the monitor reports an empty tool table.
func New(trackToolCalls bool, logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger:         logger,
		registry:       prometheus.NewRegistry(),
		trackToolCalls: trackToolCalls,
		startTime:      time.Now(),
	}

	m.initMetrics()
	m.registerMetrics()

	return m
}

func (m *Metrics) initMetrics() {
	m.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpsquared_requests_total",
			Help: "Meta-tool requests handled, by tool and outcome",
		},
		[]string{"tool", "status"},
	)

	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpsquared_upstream_tool_calls_total",
			Help: "Upstream tool invocations forwarded via execute",
		},
		[]string{"tool", "status"},
	)

	m.suggestionLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpsquared_suggestion_lookups_total",
			Help: "Bundle suggestion lookups, by whether any bundle matched",
		},
		[]string{"result"},
	)

	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpsquared_active_sessions",
		Help: "Currently connected MCP sessions",
	})

	m.upstreamsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpsquared_upstreams_connected",
		Help: "Upstream servers in the connected state",
	})

	m.toolsIndexed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpsquared_tools_indexed",
		Help: "Tools currently held in the search index",
	})

	m.cooccurrencePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpsquared_cooccurrence_pairs",
		Help: "Distinct tool pairs tracked by the selection cache",
	})

	m.lastRefresh = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpsquared_index_last_refresh_timestamp_seconds",
		Help: "Unix time of the last successful index refresh",
	})

	m.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpsquared_uptime_seconds",
		Help: "Time since the process started",
	})
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.requests,
		m.toolCalls,
		m.suggestionLookups,
		m.activeSessions,
		m.upstreamsConnected,
		m.toolsIndexed,
		m.cooccurrencePairs,
		m.lastRefresh,
		m.uptime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordRequest counts one meta-tool request.
func (m *Metrics) RecordRequest(tool string, success bool) {
	m.requests.WithLabelValues(tool, statusLabel(success)).Inc()
}

// RecordToolCall counts one forwarded upstream call. No-op when
// per-tool tracking is disabled.
func (m *Metrics) RecordToolCall(qualifiedName string, success bool) {
	if !m.trackToolCalls {
		return
	}
	m.toolCalls.WithLabelValues(qualifiedName, statusLabel(success)).Inc()
}

// RecordSuggestionLookup counts one bundle suggestion lookup.
func (m *Metrics) RecordSuggestionLookup(hit bool) {
	if hit {
		m.suggestionLookups.WithLabelValues(resultHit).Inc()
	} else {
		m.suggestionLookups.WithLabelValues(resultMiss).Inc()
	}
}

// SetActiveSessions updates the connected-session gauge.
func (m *Metrics) SetActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// SetUpstreamsConnected updates the connected-upstream gauge.
func (m *Metrics) SetUpstreamsConnected(count int) {
	m.upstreamsConnected.Set(float64(count))
}

// SetToolsIndexed updates the indexed-tool gauge.
func (m *Metrics) SetToolsIndexed(count int) {
	m.toolsIndexed.Set(float64(count))
}

// SetCooccurrencePairs updates the selection-cache size gauge.
func (m *Metrics) SetCooccurrencePairs(count int) {
	m.cooccurrencePairs.Set(float64(count))
}

// MarkIndexRefresh records the time of a completed index refresh.
func (m *Metrics) MarkIndexRefresh(at time.Time) {
	m.lastRefresh.Set(float64(at.Unix()))
}

// TouchUptime refreshes the uptime gauge from the start time.
func (m *Metrics) TouchUptime() {
	m.uptime.Set(time.Since(m.startTime).Seconds())
}

func statusLabel(success bool) string {
	if success {
		return statusSuccess
	}
	return statusFailed
}

// Stats is the aggregate view the monitor reports.
type Stats struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	SuggestionHits     uint64
	SuggestionMisses   uint64
	CooccurrencePairs  int
	LastIndexRefresh   time.Time
}

// ToolCallStat is one row of the per-tool call table.
type ToolCallStat struct {
	Tool     string
	Calls    uint64
	Failures uint64
}

// Snapshot reads the aggregate counters back out of the registry.
func (m *Metrics) Snapshot() Stats {
	var stats Stats

	families, err := m.registry.Gather()
	if err != nil {
		m.logger.Warn("Metrics gather failed", zap.Error(err))
		return stats
	}

	for _, family := range families {
		switch family.GetName() {
		case "mcpsquared_requests_total":
			for _, metric := range family.GetMetric() {
				count := uint64(metric.GetCounter().GetValue())
				stats.TotalRequests += count
				if labelValue(metric, "status") == statusSuccess {
					stats.SuccessfulRequests += count
				} else {
					stats.FailedRequests += count
				}
			}
		case "mcpsquared_suggestion_lookups_total":
			for _, metric := range family.GetMetric() {
				count := uint64(metric.GetCounter().GetValue())
				if labelValue(metric, "result") == resultHit {
					stats.SuggestionHits += count
				} else {
					stats.SuggestionMisses += count
				}
			}
		case "mcpsquared_cooccurrence_pairs":
			for _, metric := range family.GetMetric() {
				stats.CooccurrencePairs = int(metric.GetGauge().GetValue())
			}
		case "mcpsquared_index_last_refresh_timestamp_seconds":
			for _, metric := range family.GetMetric() {
				if sec := int64(metric.GetGauge().GetValue()); sec > 0 {
					stats.LastIndexRefresh = time.Unix(sec, 0)
				}
			}
		}
	}
	return stats
}

// ToolCallTable reads the per-tool counters back, sorted by call count
// descending then name. Returns nil when tracking is disabled.
func (m *Metrics) ToolCallTable() []ToolCallStat {
	if !m.trackToolCalls {
		return nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		m.logger.Warn("Metrics gather failed", zap.Error(err))
		return nil
	}

	byTool := make(map[string]*ToolCallStat)
	for _, family := range families {
		if family.GetName() != "mcpsquared_upstream_tool_calls_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			tool := labelValue(metric, "tool")
			row, ok := byTool[tool]
			if !ok {
				row = &ToolCallStat{Tool: tool}
				byTool[tool] = row
			}
			count := uint64(metric.GetCounter().GetValue())
			row.Calls += count
			if labelValue(metric, "status") == statusFailed {
				row.Failures += count
			}
		}
	}

	table := make([]ToolCallStat, 0, len(byTool))
	for _, row := range byTool {
		table = append(table, *row)
	}
	sort.Slice(table, func(i, j int) bool {
		if table[i].Calls != table[j].Calls {
			return table[i].Calls > table[j].Calls
		}
		return table[i].Tool < table[j].Tool
	})
	return table
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}
