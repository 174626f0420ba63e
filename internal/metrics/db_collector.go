package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DBPoolStats is a point-in-time view of the connection pool. It mirrors the
// pgxpool.Stat accessors so this package does not import pgx.
type DBPoolStats struct {
	Total           int32
	Idle            int32
	Acquired        int32
	Max             int32
	AcquireCount    int64
	EmptyAcquires   int64
	AcquireDuration time.Duration
}

// DBPoolStatFunc reads the current pool stats.
type DBPoolStatFunc func() DBPoolStats

type poolMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(DBPoolStats) float64
}

// dbPoolCollector reads pool stats once per scrape.
type dbPoolCollector struct {
	stat    DBPoolStatFunc
	metrics []poolMetric
}

// NewDBPoolCollector creates a collector exposing pool gauges and acquire
// counters.
func NewDBPoolCollector(stat DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("agentdeck_db_pool_"+name, help, nil, nil)
	}
	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue
	return &dbPoolCollector{
		stat: stat,
		metrics: []poolMetric{
			{desc("total_conns", "Total number of connections in the pool."), gauge,
				func(s DBPoolStats) float64 { return float64(s.Total) }},
			{desc("idle_conns", "Number of idle connections in the pool."), gauge,
				func(s DBPoolStats) float64 { return float64(s.Idle) }},
			{desc("acquired_conns", "Number of connections currently acquired."), gauge,
				func(s DBPoolStats) float64 { return float64(s.Acquired) }},
			{desc("max_conns", "Maximum size of the pool."), gauge,
				func(s DBPoolStats) float64 { return float64(s.Max) }},
			{desc("acquires_total", "Cumulative number of successful acquires."), counter,
				func(s DBPoolStats) float64 { return float64(s.AcquireCount) }},
			{desc("empty_acquires_total", "Acquires that had to wait for a connection."), counter,
				func(s DBPoolStats) float64 { return float64(s.EmptyAcquires) }},
			{desc("acquire_seconds_total", "Cumulative time spent acquiring connections."), counter,
				func(s DBPoolStats) float64 { return s.AcquireDuration.Seconds() }},
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(s))
	}
}
