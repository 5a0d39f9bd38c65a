package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// maxResponseTimes bounds the sliding window percentiles are computed from.
const maxResponseTimes = 10000

// maxRecentErrors bounds the recent-errors ring.
const maxRecentErrors = 100

// maxSeriesPoints is the coarse per-series retention cap; when exceeded the
// oldest half is dropped.
const maxSeriesPoints = 10000

// alertCooldown suppresses repeat alerts of the same kind.
const alertCooldown = time.Minute

const (
	errorRateThreshold = 0.05
	p95ThresholdMs     = 5000.0
	memoryThreshold    = 90.0
	poolUsageThreshold = 0.9
)

// errorRateMinSample avoids firing the error-rate alert off a handful of
// requests at startup.
const errorRateMinSample = 20

// Alert describes one threshold breach.
type Alert struct {
	Name    string
	Message string
	Value   float64
	At      time.Time
}

// AlertHandler receives alerts; handlers must not block.
type AlertHandler func(Alert)

type errorRecord struct {
	Type      string    `json:"type"`
	Operation string    `json:"operation"`
	Details   string    `json:"details"`
	At        time.Time `json:"at"`
}

// Point is one time-series sample.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Collector aggregates request outcomes, component stat snapshots and
// time series behind a single mutex. Reads return copies, never live
// references.
type Collector struct {
	logger arbor.ILogger

	mu            sync.Mutex
	counters      map[string]int64
	errorsByType  map[string]int64
	errorsByOp    map[string]int64
	responseTimes []float64
	recentErrors  []errorRecord
	snapshots     map[string]map[string]interface{}
	series        map[string][]Point
	handlers      []AlertHandler
	lastAlert     map[string]time.Time

	now func() time.Time
}

// NewCollector builds an empty collector.
func NewCollector(logger arbor.ILogger) *Collector {
	return &Collector{
		logger:       logger,
		counters:     make(map[string]int64),
		errorsByType: make(map[string]int64),
		errorsByOp:   make(map[string]int64),
		snapshots:    make(map[string]map[string]interface{}),
		series:       make(map[string][]Point),
		lastAlert:    make(map[string]time.Time),
		now:          time.Now,
	}
}

// RecordRequest records one pipeline request outcome. Satisfies the capture
// pipeline's observer contract.
func (c *Collector) RecordRequest(operation string, duration time.Duration, err error) {
	ms := float64(duration.Milliseconds())

	c.mu.Lock()
	c.counters["requests_total"]++
	if err != nil {
		c.counters["requests_error"]++
		c.recordErrorLocked(string(common.CodeOf(err)), operation, err.Error())
	} else {
		c.counters["requests_success"]++
	}

	c.responseTimes = append(c.responseTimes, ms)
	if len(c.responseTimes) > maxResponseTimes {
		c.responseTimes = c.responseTimes[len(c.responseTimes)-maxResponseTimes:]
	}
	c.appendSeriesLocked("request", operation, ms)
	alerts := c.evaluateAlertsLocked()
	handlers := c.handlers
	c.mu.Unlock()

	c.fire(handlers, alerts)
}

// RecordError records a failure outside the request path (cleanup loops,
// webhook delivery, health probes).
func (c *Collector) RecordError(errType, operation, details string) {
	c.mu.Lock()
	c.recordErrorLocked(errType, operation, details)
	c.mu.Unlock()
}

// recordErrorLocked updates error counters and the recent-errors ring.
// Caller holds the lock.
func (c *Collector) recordErrorLocked(errType, operation, details string) {
	c.errorsByType[errType]++
	c.errorsByOp[operation]++
	c.recentErrors = append(c.recentErrors, errorRecord{
		Type:      errType,
		Operation: operation,
		Details:   details,
		At:        c.now(),
	})
	if len(c.recentErrors) > maxRecentErrors {
		c.recentErrors = c.recentErrors[len(c.recentErrors)-maxRecentErrors:]
	}
}

// UpdateStats stores a component's stats snapshot (pool, caches, throttle,
// batch, system) and mirrors numeric values onto time series.
func (c *Collector) UpdateStats(component string, snapshot map[string]interface{}) {
	c.mu.Lock()
	copied := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		copied[k] = v
		if f, ok := toFloat(v); ok {
			c.appendSeriesLocked(component, k, f)
		}
	}
	c.snapshots[component] = copied
	alerts := c.evaluateAlertsLocked()
	handlers := c.handlers
	c.mu.Unlock()

	c.fire(handlers, alerts)
}

// appendSeriesLocked appends one point, pruning the oldest half past the
// retention cap. Caller holds the lock.
func (c *Collector) appendSeriesLocked(metricType, name string, value float64) {
	key := metricType + "/" + name
	points := append(c.series[key], Point{At: c.now(), Value: value})
	if len(points) > maxSeriesPoints {
		points = points[len(points)/2:]
	}
	c.series[key] = points
}

// RegisterAlertHandler adds a handler for threshold breaches.
func (c *Collector) RegisterAlertHandler(fn AlertHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// evaluateAlertsLocked checks every threshold and returns alerts not still in
// cooldown. Caller holds the lock.
func (c *Collector) evaluateAlertsLocked() []Alert {
	var due []Alert
	now := c.now()

	add := func(name, msg string, value float64) {
		if now.Sub(c.lastAlert[name]) < alertCooldown {
			return
		}
		c.lastAlert[name] = now
		due = append(due, Alert{Name: name, Message: msg, Value: value, At: now})
	}

	total := c.counters["requests_total"]
	if total >= errorRateMinSample {
		rate := float64(c.counters["requests_error"]) / float64(total)
		if rate > errorRateThreshold {
			add("high_error_rate", "request error rate above 5%", rate)
		}
	}

	if p95 := percentile(c.responseTimes, 0.95); p95 > p95ThresholdMs {
		add("slow_responses", "p95 latency above 5000ms", p95)
	}

	if sys, ok := c.snapshots["system"]; ok {
		if mem, ok := toFloat(sys["memory_percent"]); ok && mem > memoryThreshold {
			add("high_memory", "memory usage above 90%", mem)
		}
	}
	if pool, ok := c.snapshots["pool"]; ok {
		if util, ok := toFloat(pool["utilization"]); ok && util > poolUsageThreshold {
			add("pool_saturated", "browser pool usage above 90%", util)
		}
	}

	return due
}

// fire delivers alerts outside the collector lock.
func (c *Collector) fire(handlers []AlertHandler, alerts []Alert) {
	for _, alert := range alerts {
		c.logger.Warn().
			Str("alert", alert.Name).
			Float64("value", alert.Value).
			Msg(alert.Message)
		for _, fn := range handlers {
			fn(alert)
		}
	}
}

// Metrics returns the full aggregate snapshot.
func (c *Collector) Metrics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	byType := make(map[string]int64, len(c.errorsByType))
	for k, v := range c.errorsByType {
		byType[k] = v
	}
	byOp := make(map[string]int64, len(c.errorsByOp))
	for k, v := range c.errorsByOp {
		byOp[k] = v
	}
	recent := make([]errorRecord, len(c.recentErrors))
	copy(recent, c.recentErrors)

	components := make(map[string]interface{}, len(c.snapshots))
	for name, snap := range c.snapshots {
		copied := make(map[string]interface{}, len(snap))
		for k, v := range snap {
			copied[k] = v
		}
		components[name] = copied
	}

	return map[string]interface{}{
		"counters":         counters,
		"errors_by_type":   byType,
		"errors_by_op":     byOp,
		"recent_errors":    recent,
		"response_time_ms": map[string]float64{
			"p50": percentile(c.responseTimes, 0.50),
			"p95": percentile(c.responseTimes, 0.95),
			"p99": percentile(c.responseTimes, 0.99),
		},
		"samples":    len(c.responseTimes),
		"components": components,
	}
}

// TimeSeries returns points for (metricType, name) within [start, end]. Zero
// bounds mean unbounded.
func (c *Collector) TimeSeries(metricType, name string, start, end time.Time) []Point {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Point
	for _, p := range c.series[metricType+"/"+name] {
		if !start.IsZero() && p.At.Before(start) {
			continue
		}
		if !end.IsZero() && p.At.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// percentile computes the q-th percentile over a copy of the samples.
// Returns 0 for an empty window.
func percentile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// toFloat widens the numeric types that appear in stats maps.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
