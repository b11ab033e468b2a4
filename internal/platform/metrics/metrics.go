package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"domainwatch/internal/domain"
)

// Metrics holds the Prometheus instruments for the service plus a
// resettable aggregate view backing the ops /metrics endpoint. Prometheus
// counters are monotone by contract, so /metrics/reset zeroes only the
// aggregate view.
type Metrics struct {
	ChecksTotal       *prometheus.CounterVec
	CheckDuration     *prometheus.HistogramVec
	VerdictsTotal     *prometheus.CounterVec
	CallbacksTotal    *prometheus.CounterVec
	CallbackDuration  prometheus.Histogram
	DomainsMonitored  prometheus.Gauge
	DomainsPriority   prometheus.Gauge
	DomainsByStatus   *prometheus.GaugeVec
	QueueDepth        prometheus.Gauge
	WorkersBusy       prometheus.Gauge
	RateTimeoutsTotal *prometheus.CounterVec
	ListFetchesTotal  *prometheus.CounterVec
	SnapshotsTotal    *prometheus.CounterVec

	registry *prometheus.Registry

	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]*timerAgg
	checks   map[string]map[string]int64
	apiCalls map[string]*apiAgg
}

type timerAgg struct {
	Count int64   `json:"count"`
	Total float64 `json:"total_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
}

type apiAgg struct {
	Success int64   `json:"success"`
	Failure int64   `json:"failure"`
	TotalMS float64 `json:"total_ms"`
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "domainwatch_checks_total",
			Help: "Total checker probes by checker kind and outcome",
		}, []string{"checker", "outcome"}),
		CheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "domainwatch_check_duration_seconds",
			Help:    "Probe latency by checker kind",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"checker"}),
		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "domainwatch_verdicts_total",
			Help: "Pipeline verdicts by resulting status",
		}, []string{"status"}),
		CallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "domainwatch_callbacks_total",
			Help: "Callback API posts by event kind and result",
		}, []string{"event", "result"}),
		CallbackDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "domainwatch_callback_duration_seconds",
			Help:    "Callback API post latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		DomainsMonitored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "domainwatch_domains_monitored",
			Help: "Current number of monitored domains",
		}),
		DomainsPriority: factory.NewGauge(prometheus.GaugeOpts{
			Name: "domainwatch_domains_priority",
			Help: "Current number of high priority domains",
		}),
		DomainsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "domainwatch_domains_by_status",
			Help: "Monitored domains grouped by last verdict",
		}, []string{"status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "domainwatch_scheduler_queue_depth",
			Help: "Entries waiting in the scheduler queue",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "domainwatch_scheduler_workers_busy",
			Help: "Workers currently running a check",
		}),
		RateTimeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "domainwatch_rate_timeouts_total",
			Help: "Rate limiter acquisitions that hit their deadline",
		}, []string{"class"}),
		ListFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "domainwatch_list_fetches_total",
			Help: "Domain list API fetches by result",
		}, []string{"result"}),
		SnapshotsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "domainwatch_state_snapshots_total",
			Help: "State snapshot writes by result",
		}, []string{"result"}),

		registry: reg,
		counters: make(map[string]int64),
		timers:   make(map[string]*timerAgg),
		checks:   make(map[string]map[string]int64),
		apiCalls: make(map[string]*apiAgg),
	}
}

// Registry exposes the private Prometheus registry for the exposition
// endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Increment bumps a named aggregate counter by n.
func (m *Metrics) Increment(name string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += n
}

// ObserveTimer folds a duration into the named aggregate timer.
func (m *Metrics) ObserveTimer(name string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := m.timers[name]
	if agg == nil {
		agg = &timerAgg{Min: ms, Max: ms}
		m.timers[name] = agg
	}
	agg.Count++
	agg.Total += ms
	if ms < agg.Min {
		agg.Min = ms
	}
	if ms > agg.Max {
		agg.Max = ms
	}
}

// RecordCheck records a completed probe in both views.
func (m *Metrics) RecordCheck(kind domain.CheckerKind, outcome domain.Outcome, d time.Duration) {
	m.ChecksTotal.WithLabelValues(kind.String(), string(outcome)).Inc()
	m.CheckDuration.WithLabelValues(kind.String()).Observe(d.Seconds())

	m.mu.Lock()
	byOutcome := m.checks[kind.String()]
	if byOutcome == nil {
		byOutcome = make(map[string]int64)
		m.checks[kind.String()] = byOutcome
	}
	byOutcome[string(outcome)]++
	m.mu.Unlock()

	m.ObserveTimer("check_"+kind.String(), d)
}

// RecordVerdict records a pipeline verdict.
func (m *Metrics) RecordVerdict(status domain.Status) {
	m.VerdictsTotal.WithLabelValues(status.String()).Inc()
	m.Increment("verdicts_"+status.String(), 1)
}

// RecordAPICall records an outbound callback/list API call in both views.
func (m *Metrics) RecordAPICall(name string, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.CallbacksTotal.WithLabelValues(name, result).Inc()
	m.CallbackDuration.Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	agg := m.apiCalls[name]
	if agg == nil {
		agg = &apiAgg{}
		m.apiCalls[name] = agg
	}
	if ok {
		agg.Success++
	} else {
		agg.Failure++
	}
	agg.TotalMS += float64(d.Milliseconds())
}

// SnapshotOptions selects which sections Snapshot includes.
type SnapshotOptions struct {
	Counters     bool
	Timers       bool
	APIStats     bool
	CheckResults bool
}

// Snapshot returns a JSON-ready view of the aggregate metrics.
func (m *Metrics) Snapshot(opts SnapshotOptions) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]any)
	if opts.Counters {
		counters := make(map[string]int64, len(m.counters))
		for k, v := range m.counters {
			counters[k] = v
		}
		out["counters"] = counters
	}
	if opts.Timers {
		timers := make(map[string]timerAgg, len(m.timers))
		for k, v := range m.timers {
			timers[k] = *v
		}
		out["timers"] = timers
	}
	if opts.APIStats {
		api := make(map[string]apiAgg, len(m.apiCalls))
		for k, v := range m.apiCalls {
			api[k] = *v
		}
		out["api_stats"] = api
	}
	if opts.CheckResults {
		checks := make(map[string]map[string]int64, len(m.checks))
		for k, v := range m.checks {
			inner := make(map[string]int64, len(v))
			for ik, iv := range v {
				inner[ik] = iv
			}
			checks[k] = inner
		}
		out["check_results"] = checks
	}
	return out
}

// Reset zeroes the aggregate view. Prometheus instruments are untouched.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[string]int64)
	m.timers = make(map[string]*timerAgg)
	m.checks = make(map[string]map[string]int64)
	m.apiCalls = make(map[string]*apiAgg)
}
