package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP       httpSummary             `json:"http"`
	Executions executionSummary        `json:"executions"`
	Stages     map[string]stageSummary `json:"stages"`
	Tools      toolSummary             `json:"tools"`
	Cache      cacheSummary            `json:"cache"`
	Deploys    map[string]float64      `json:"deploys"`
	Collector  collectorInfo           `json:"collector"`
	DB         dbInfo                  `json:"db"`
	Server     serverInfo              `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type executionSummary struct {
	Total      float64            `json:"total"`
	ByOutcome  map[string]float64 `json:"byOutcome"`
	Rejections map[string]float64 `json:"rejections"`
	InFlight   float64            `json:"inFlight"`
}

type stageSummary struct {
	Count float64 `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type toolSummary struct {
	Attempts  float64 `json:"attempts"`
	ErrorRate float64 `json:"errorRate"`
	P50       float64 `json:"p50"`
	P95       float64 `json:"p95"`
}

type cacheSummary struct {
	Hits    float64 `json:"hits"`
	Misses  float64 `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type serverInfo struct {
	StartTime          float64 `json:"startTime"`
	UptimeSeconds      float64 `json:"uptimeSeconds"`
	RateLimiterEntries float64 `json:"rateLimiterEntries"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
	EmptyAcquires float64 `json:"emptyAcquires"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	reqs := fam["agentdeck_http_requests_total"]
	reqDur := fam["agentdeck_http_request_duration_seconds"]
	attempts := fam["agentdeck_tool_attempts_total"]
	toolDur := fam["agentdeck_tool_duration_seconds"]
	lookups := fam["agentdeck_cache_lookups_total"]
	start := gaugeValue(fam["agentdeck_server_start_time_seconds"])

	s := &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(reqs, nil),
			ErrorRate:     errorRate(reqs),
			P50Latency:    histogramPercentile(reqDur, 0.50, nil),
			P95Latency:    histogramPercentile(reqDur, 0.95, nil),
			P99Latency:    histogramPercentile(reqDur, 0.99, nil),
		},
		Executions: executionSummary{
			Total:      sumCounter(fam["agentdeck_executions_total"], nil),
			ByOutcome:  countersByLabel(fam["agentdeck_executions_total"], "outcome"),
			Rejections: countersByLabel(fam["agentdeck_execution_rejections_total"], "reason"),
			InFlight:   gaugeValue(fam["agentdeck_executions_in_flight"]),
		},
		Stages: make(map[string]stageSummary),
		Tools: toolSummary{
			Attempts: sumCounter(attempts, nil),
			P50:      histogramPercentile(toolDur, 0.50, nil),
			P95:      histogramPercentile(toolDur, 0.95, nil),
		},
		Cache: cacheSummary{
			Hits:   sumCounter(lookups, label("result", "hit")),
			Misses: sumCounter(lookups, label("result", "miss")),
		},
		Deploys: countersByLabel(fam["agentdeck_deployments_total"], "result"),
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["agentdeck_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["agentdeck_collector_flushes_total"], nil),
			FlushErrors:  sumCounter(fam["agentdeck_collector_flushes_total"], label("status", "error")),
			Records:      sumCounter(fam["agentdeck_collector_records_total"], nil),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["agentdeck_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["agentdeck_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["agentdeck_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["agentdeck_db_pool_max_conns"]),
			EmptyAcquires: sumCounter(fam["agentdeck_db_pool_empty_acquires_total"], nil),
		},
		Server: serverInfo{
			StartTime:          start,
			UptimeSeconds:      float64(time.Now().Unix()) - start,
			RateLimiterEntries: gaugeValue(fam["agentdeck_ratelimit_entries"]),
		},
	}

	if s.Tools.Attempts > 0 {
		s.Tools.ErrorRate = 1 - sumCounter(attempts, label("outcome", "success"))/s.Tools.Attempts
	}
	if total := s.Cache.Hits + s.Cache.Misses; total > 0 {
		s.Cache.HitRate = s.Cache.Hits / total
	}

	stages := fam["agentdeck_execution_stage_duration_seconds"]
	for _, metric := range stages.GetMetric() {
		stage := labelValue(metric, "stage")
		match := label("stage", stage)
		s.Stages[stage] = stageSummary{
			Count: float64(metric.GetHistogram().GetSampleCount()),
			P50:   histogramPercentile(stages, 0.50, match),
			P95:   histogramPercentile(stages, 0.95, match),
			P99:   histogramPercentile(stages, 0.99, match),
		}
	}
	return s, nil
}

// --- Prometheus metric helpers ---

// matcher selects the metrics of a family to aggregate. Nil matches all.
type matcher func(*dto.Metric) bool

func label(name, value string) matcher {
	return func(m *dto.Metric) bool { return labelValue(m, name) == value }
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounter(f *dto.MetricFamily, match matcher) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if (match == nil || match(m)) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func countersByLabel(f *dto.MetricFamily, name string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			out[labelValue(m, name)] += m.GetCounter().GetValue()
		}
	}
	return out
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

// errorRate is the share of requests with a 4xx or 5xx status code.
func errorRate(f *dto.MetricFamily) float64 {
	total := sumCounter(f, nil)
	if total == 0 {
		return 0
	}
	errs := sumCounter(f, func(m *dto.Metric) bool {
		code := labelValue(m, "status_code")
		return len(code) > 0 && code[0] >= '4'
	})
	return errs / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, match matcher) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if match != nil && !match(m) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
