// Package metrics holds the Prometheus registry shared by every component
// and the threshold checks that feed /health.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all IMS metrics.
type Registry struct {
	registry *prometheus.Registry

	// Pipeline metrics
	EventsProcessed *prometheus.CounterVec
	EventErrors     *prometheus.CounterVec
	ConsumerLag     *prometheus.GaugeVec
	QueueDepth      *prometheus.GaugeVec
	BatchRecords    *prometheus.CounterVec

	// Decision path metrics
	GateLatency     *prometheus.HistogramVec
	GateDecisions   *prometheus.CounterVec
	LocateOutcomes  *prometheus.CounterVec
	LimitContention prometheus.Counter

	// Calculation metrics
	Recalculations *prometheus.CounterVec
	RuleCacheSwaps prometheus.Counter

	// Publisher metrics
	SubscribersActive prometheus.Gauge
	SubscriberDrops   *prometheus.CounterVec
}

// NewRegistry creates the registry with all IMS metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_events_processed_total",
				Help: "Events applied per component and topic",
			},
			[]string{"component", "topic"},
		),
		EventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_event_errors_total",
				Help: "Failures per component and error class",
			},
			[]string{"component", "class"},
		),
		ConsumerLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ims_consumer_lag",
				Help: "Consumer group lag per topic",
			},
			[]string{"topic", "group"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ims_queue_depth",
				Help: "Bounded queue depth per component shard",
			},
			[]string{"component"},
		),
		BatchRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_batch_records_total",
				Help: "Feed batch records by source and result",
			},
			[]string{"source", "result"},
		),
		GateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ims_gate_latency_seconds",
				Help:    "Short-sell gate and locate decision latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1.0, 2.0},
			},
			[]string{"workflow"},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_gate_decisions_total",
				Help: "Short-sell gate decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		LocateOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_locate_outcomes_total",
				Help: "Locate workflow outcomes",
			},
			[]string{"outcome"},
		),
		LimitContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ims_limit_contention_total",
				Help: "CAS retry budgets exhausted on limit counters",
			},
		),
		Recalculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_recalculations_total",
				Help: "Inventory recalculations by calculation type",
			},
			[]string{"calculation"},
		),
		RuleCacheSwaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ims_rule_cache_swaps_total",
				Help: "Copy-on-write rule cache invalidations",
			},
		),
		SubscribersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ims_subscribers_active",
				Help: "Connected downstream subscribers",
			},
		),
		SubscriberDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_subscriber_drops_total",
				Help: "Subscribers disconnected by reason",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		r.EventsProcessed, r.EventErrors, r.ConsumerLag, r.QueueDepth,
		r.BatchRecords, r.GateLatency, r.GateDecisions, r.LocateOutcomes,
		r.LimitContention, r.Recalculations, r.RuleCacheSwaps,
		r.SubscribersActive, r.SubscriberDrops,
	)
	return r
}

// Handler serves the registry on /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Threshold is one health check against a gathered metric value.
type Threshold struct {
	Metric  string            `yaml:"metric"`
	Labels  map[string]string `yaml:"labels"`
	Max     float64           `yaml:"max"`
	Message string            `yaml:"message"`
}

// DefaultThresholds cover consumer lag and error rates.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: "ims_consumer_lag", Max: 100000, Message: "consumer lag above threshold"},
		{Metric: "ims_queue_depth", Max: 100000, Message: "queue depth above threshold"},
	}
}

// CheckThresholds gathers the registry and returns one message per breach.
func (r *Registry) CheckThresholds(thresholds []Threshold) []string {
	families, err := r.registry.Gather()
	if err != nil {
		return []string{fmt.Sprintf("metrics gather failed: %v", err)}
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	var breaches []string
	for _, th := range thresholds {
		mf, ok := byName[th.Metric]
		if !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, th.Labels) {
				continue
			}
			if v := sampleValue(m); v > th.Max {
				breaches = append(breaches, fmt.Sprintf("%s: %s=%.0f exceeds %.0f", th.Message, th.Metric, v, th.Max))
			}
		}
	}
	return breaches
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		have[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	default:
		return 0
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// DefaultRegistry returns the process-wide registry, created on first use
// and passed explicitly to components from main.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() { defaultReg = NewRegistry() })
	return defaultReg
}
