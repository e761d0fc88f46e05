package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is the aggregated state of one series (name + labels).
type Metric struct {
	Name    string            `json:"name"`
	Type    MetricType        `json:"type"`
	Value   float64           `json:"value"`
	Count   int64             `json:"count,omitempty"`
	Max     float64           `json:"max,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Updated time.Time         `json:"updated"`
	Unit    string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory. Counters sum, gauges keep the last
// value and timers keep count, total and max in milliseconds.
type Collector struct {
	mu       sync.RWMutex
	series   map[string]*Metric
	enabled  bool
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCollector creates a collector. A positive interval logs a snapshot
// periodically at debug level.
func NewCollector(enabled bool, interval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		series:   make(map[string]*Metric),
		enabled:  enabled,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
	if enabled && interval > 0 {
		go c.periodicFlush()
	}
	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.update(name, Counter, labels, func(m *Metric) {
		m.Value += value
		m.Count++
	})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.update(name, Gauge, labels, func(m *Metric) {
		m.Value = value
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	ms := float64(duration.Milliseconds())
	c.update(name, Timer, labels, func(m *Metric) {
		m.Unit = "ms"
		m.Value += ms
		m.Count++
		if ms > m.Max {
			m.Max = ms
		}
	})
}

func (c *Collector) update(name string, typ MetricType, labels map[string]string, fn func(*Metric)) {
	if c == nil || !c.enabled {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: copyLabels(labels)}
		c.series[key] = m
	}
	fn(m)
	m.Updated = time.Now()
}

// Snapshot returns a copy of every series sorted by name.
func (c *Collector) Snapshot() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	out := make([]Metric, 0, len(c.series))
	for _, m := range c.series {
		cp := *m
		cp.Labels = copyLabels(m.Labels)
		out = append(out, cp)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return seriesKey(out[i].Name, out[i].Labels) < seriesKey(out[j].Name, out[j].Labels)
	})
	return out
}

// Value returns the current value of one series, 0 when absent.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.series[seriesKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// FlushMetrics logs the current snapshot.
func (c *Collector) FlushMetrics() {
	for _, metric := range c.Snapshot() {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops the collector
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.FlushMetrics()
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool, interval time.Duration) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		globalCollector.Shutdown()
	}
	globalCollector = NewCollector(enabled, interval)
	return globalCollector
}

// GetGlobal returns the global collector. It is enabled by default so
// counters are visible without explicit initialisation.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(true, 0)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		globalCollector.Shutdown()
	}
}
