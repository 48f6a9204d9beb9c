/*
Package metrics aggregates per-tool call statistics and assembles the
gateway's health snapshot.

Counters are kept in memory behind one RWMutex so a snapshot always sees a
consistent set of values, and mirrored to Prometheus collectors registered
on a private registry served by Handler.
*/
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khanglvm/bi-gateway/internal/breaker"
	"github.com/khanglvm/bi-gateway/internal/cache"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/pool"
)

const namespace = "bigw"

// Outcome classifies one finished invocation.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeCacheHit    Outcome = "cache_hit"
	OutcomeTransient   Outcome = "transient_error"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeLogicError  Outcome = "logic_error"
	OutcomeInvalid     Outcome = "invalid"
)

// Failure reports whether the outcome counts as a failed call.
func (o Outcome) Failure() bool {
	switch o {
	case OutcomeTransient, OutcomeCircuitOpen, OutcomeLogicError, OutcomeInvalid:
		return true
	}
	return false
}

// ToolStats are the counters for one (service, tool) pair.
type ToolStats struct {
	Service      string        `json:"service"`
	Tool         string        `json:"tool"`
	Calls        int64         `json:"calls"`
	Failures     int64         `json:"failures"`
	Cancelled    int64         `json:"cancelled"`
	CacheHits    int64         `json:"cache_hits"`
	TotalLatency time.Duration `json:"total_latency"`
	AvgLatencyMs float64       `json:"avg_latency_ms"`
	LastError    string        `json:"last_error,omitempty"`
	LastErrorAt  time.Time     `json:"last_error_at,omitempty"`
}

// Providers expose live component state to the snapshot. Nil providers
// leave their section empty.
type (
	CircuitProvider interface {
		States() []breaker.State
	}
	PoolProvider interface {
		Stats() map[string]pool.Stats
	}
	CacheProvider interface {
		Stats() cache.Stats
	}
	MemoryProvider interface {
		Stats() memory.Stats
	}
)

// Options configures an Aggregator.
type Options struct {
	Circuits CircuitProvider
	Pools    PoolProvider
	Cache    CacheProvider
	Memory   MemoryProvider

	Now func() time.Time
}

type toolKey struct {
	service string
	tool    string
}

// Aggregator records call outcomes. It is safe for concurrent use.
type Aggregator struct {
	mu    sync.RWMutex
	tools map[toolKey]*ToolStats

	opts     Options
	registry *prometheus.Registry

	callsTotal *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// New creates an Aggregator with its own Prometheus registry.
func New(opts Options) *Aggregator {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	a := &Aggregator{
		tools:    make(map[toolKey]*ToolStats),
		opts:     opts,
		registry: reg,

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tool invocations by outcome",
			},
			[]string{"service", "tool", "outcome"},
		),

		// Buckets: 10ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s, 30s
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_latency_seconds",
				Help:      "Tool invocation latency in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "tool"},
		),
	}

	if opts.Cache != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Result cache hits",
		}, func() float64 { return float64(opts.Cache.Stats().Hits) })

		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Result cache misses",
		}, func() float64 { return float64(opts.Cache.Stats().Misses) })
	}

	if opts.Circuits != nil {
		reg.MustRegister(&circuitCollector{provider: opts.Circuits})
	}

	return a
}

// RecordAttempt records one finished invocation. err, when non-nil, becomes
// the tool's last error.
func (a *Aggregator) RecordAttempt(service, tool string, outcome Outcome, latency time.Duration, err error) {
	a.mu.Lock()
	k := toolKey{service, tool}
	ts, ok := a.tools[k]
	if !ok {
		ts = &ToolStats{Service: service, Tool: tool}
		a.tools[k] = ts
	}

	ts.Calls++
	ts.TotalLatency += latency
	switch {
	case outcome == OutcomeCacheHit:
		ts.CacheHits++
	case outcome == OutcomeCancelled:
		ts.Cancelled++
	case outcome.Failure():
		ts.Failures++
	}
	if err != nil {
		ts.LastError = err.Error()
		ts.LastErrorAt = a.opts.Now()
	}
	a.mu.Unlock()

	a.callsTotal.WithLabelValues(service, tool, string(outcome)).Inc()
	a.latency.WithLabelValues(service, tool).Observe(latency.Seconds())
}

// Tools returns per-tool counters sorted by service then tool.
func (a *Aggregator) Tools() []ToolStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ToolStats, 0, len(a.tools))
	for _, ts := range a.tools {
		s := *ts
		if s.Calls > 0 {
			s.AvgLatencyMs = float64(s.TotalLatency.Microseconds()) / 1000 / float64(s.Calls)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}

// Reset clears the in-memory counters. Prometheus counters are monotonic
// and are not reset.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools = make(map[toolKey]*ToolStats)
}

// Registry returns the private Prometheus registry.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// circuitCollector reports breaker phases at scrape time:
// 0 closed, 1 half-open, 2 open.
type circuitCollector struct {
	provider CircuitProvider
}

var circuitStateDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "circuit_state"),
	"Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
	[]string{"service"}, nil,
)

func (c *circuitCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- circuitStateDesc
}

func (c *circuitCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.provider.States() {
		ch <- prometheus.MustNewConstMetric(circuitStateDesc, prometheus.GaugeValue, phaseValue(st.Phase), st.Service)
	}
}

func phaseValue(p breaker.Phase) float64 {
	switch p {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	}
	return 0
}
