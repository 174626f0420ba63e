package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for agentdeck.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Execution metrics.
	ExecutionsTotal          *prometheus.CounterVec
	ExecutionStageDuration   *prometheus.HistogramVec
	ExecutionRejectionsTotal *prometheus.CounterVec

	// Deployment metrics.
	DeploymentsTotal *prometheus.CounterVec

	// Tool invocation metrics.
	ToolAttemptsTotal *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	CacheLookupsTotal *prometheus.CounterVec

	// Collector (metering) metrics.
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorRecordsTotal  prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// stageBuckets covers sub-millisecond warm paths up to slow model calls.
var stageBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdeck_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_executions_total",
			Help: "Total number of agent executions by outcome.",
		}, []string{"outcome"}),

		ExecutionStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdeck_execution_stage_duration_seconds",
			Help:    "Duration of each execution stage in seconds.",
			Buckets: stageBuckets,
		}, []string{"stage"}),

		ExecutionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_execution_rejections_total",
			Help: "Total number of executions rejected before running.",
		}, []string{"reason"}),

		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_deployments_total",
			Help: "Total number of deploy calls by result.",
		}, []string{"result"}),

		ToolAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_tool_attempts_total",
			Help: "Total number of outbound tool call attempts.",
		}, []string{"tool_id", "outcome"}),

		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdeck_tool_duration_seconds",
			Help:    "Tool invocation duration in seconds, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool_id"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_cache_lookups_total",
			Help: "Total number of response cache lookups.",
		}, []string{"result"}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_collector_flushes_total",
			Help: "Total number of collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentdeck_collector_flush_duration_seconds",
			Help:    "Duration of collector flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdeck_collector_records_total",
			Help: "Total number of execution records flushed.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExecutionsTotal,
		m.ExecutionStageDuration,
		m.ExecutionRejectionsTotal,
		m.DeploymentsTotal,
		m.ToolAttemptsTotal,
		m.ToolDuration,
		m.CacheLookupsTotal,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRecordsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterExecutorStatus exposes the executor's in-flight count and rate
// limiter size as gauges read at scrape time.
func (m *Metrics) RegisterExecutorStatus(status func() (running, limiterEntries int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentdeck_executions_in_flight",
			Help: "Number of executions currently running.",
		}, func() float64 {
			running, _ := status()
			return float64(running)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentdeck_ratelimit_entries",
			Help: "Number of tracked rate limit windows.",
		}, func() float64 {
			_, n := status()
			return float64(n)
		}),
	)
}

// RegisterCollectorBuffer exposes the metering buffer size.
func (m *Metrics) RegisterCollectorBuffer(pending func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentdeck_collector_buffer_size",
		Help: "Current number of buffered execution records.",
	}, func() float64 { return float64(pending()) }))
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
}

// ObserveStage records the duration of one execution stage.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.ExecutionStageDuration.WithLabelValues(stage).Observe(seconds)
}

// IncExecution counts a finished execution.
func (m *Metrics) IncExecution(outcome string) {
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
}

// IncRejection counts an execution rejected by dedup or rate limiting.
func (m *Metrics) IncRejection(reason string) {
	m.ExecutionRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncDeployment counts a deploy call.
func (m *Metrics) IncDeployment(result string) {
	m.DeploymentsTotal.WithLabelValues(result).Inc()
}

// IncToolAttempt counts one outbound attempt.
func (m *Metrics) IncToolAttempt(toolID, outcome string) {
	m.ToolAttemptsTotal.WithLabelValues(toolID, outcome).Inc()
}

// IncCacheLookup counts a cache hit or miss.
func (m *Metrics) IncCacheLookup(result string) {
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveToolDuration records the duration of one tool invocation.
func (m *Metrics) ObserveToolDuration(toolID string, seconds float64) {
	m.ToolDuration.WithLabelValues(toolID).Observe(seconds)
}

// ObserveFlush records one collector flush.
func (m *Metrics) ObserveFlush(ok bool, records int, seconds float64) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(seconds)
	if ok {
		m.CollectorRecordsTotal.Add(float64(records))
	}
}
